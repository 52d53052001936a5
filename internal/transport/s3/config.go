package s3

import (
	"fmt"
	"strings"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
)

// Config represents S3 transport configuration
type Config struct {
	Region string `yaml:"region" validate:"required"`

	// Endpoint overrides the service endpoint for S3-compatible stores.
	// When empty, servers outside amazonaws.com are addressed directly.
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	Insecure       bool   `yaml:"insecure"`

	// MaxAttempts is the SDK's own retry budget per request
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	StorageClass string `yaml:"storage_class" validate:"oneof=STANDARD STANDARD_IA ONEZONE_IA INTELLIGENT_TIERING GLACIER DEEP_ARCHIVE"`

	// Uploads of at least MultipartThreshold bytes go through the CargoShip
	// transporter when enabled; smaller ones use a single PutObject.
	EnableCargoShip    bool  `yaml:"enable_cargoship"`
	MultipartThreshold int64 `yaml:"multipart_threshold" validate:"gte=0"`
	Concurrency        int   `yaml:"concurrency" validate:"gte=1"`

	// Writes up to MemoryBuffer bytes are staged in memory, larger ones in a temp file.
	MemoryBuffer int64 `yaml:"memory_buffer" validate:"gte=0"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Region:             "us-east-1",
		MaxAttempts:        1,
		StorageClass:       string(s3types.StorageClassStandard),
		EnableCargoShip:    true,
		MultipartThreshold: 32 * 1024 * 1024,
		Concurrency:        4,
		MemoryBuffer:       8 * 1024 * 1024,
	}
}

func storageClass(name string) s3types.StorageClass {
	switch strings.ToUpper(name) {
	case "STANDARD_IA":
		return s3types.StorageClassStandardIa
	case "ONEZONE_IA":
		return s3types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return s3types.StorageClassIntelligentTiering
	case "GLACIER":
		return s3types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return s3types.StorageClassDeepArchive
	default:
		return s3types.StorageClassStandard
	}
}

func cargoStorageClass(name string) awsconfig.StorageClass {
	switch strings.ToUpper(name) {
	case "STANDARD_IA":
		return awsconfig.StorageClassStandardIA
	case "ONEZONE_IA":
		return awsconfig.StorageClassOneZoneIA
	case "INTELLIGENT_TIERING":
		return awsconfig.StorageClassIntelligentTiering
	case "GLACIER":
		return awsconfig.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return awsconfig.StorageClassDeepArchive
	default:
		return awsconfig.StorageClassStandard
	}
}

// endpointFor returns the base endpoint for a server, or "" to let the SDK
// resolve AWS endpoints from the region.
func (c Config) endpointFor(address, server string) string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	if server == "" || server == "amazonaws.com" || strings.HasSuffix(server, ".amazonaws.com") {
		return ""
	}
	scheme := "https"
	if c.Insecure {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, address)
}
