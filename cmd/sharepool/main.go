package main

import (
	"os"

	"github.com/sharepool/sharepool/cmd/sharepool/commands"
)

func main() {
	os.Exit(commands.Execute())
}
