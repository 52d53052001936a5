package credentials

import (
	"context"
	stderr "errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"

	"github.com/sharepool/sharepool/internal/transport"
)

// DefaultServiceName is the keyring service entries are stored under.
const DefaultServiceName = "sharepool"

// KeyringStore keeps passwords in the OS keyring. The identity is stored in
// the item description as "domain\user".
type KeyringStore struct {
	ring    keyring.Keyring
	service string
}

// OpenKeyring opens the OS keyring. Callers fall back to Memory on error.
func OpenKeyring(serviceName string) (*KeyringStore, error) {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	r, err := keyring.Open(keyring.Config{ServiceName: serviceName})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return NewKeyringStore(r, serviceName), nil
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring, serviceName string) *KeyringStore {
	return &KeyringStore{ring: ring, service: serviceName}
}

func itemKey(server, share string) string { return server + "|" + share }

func (s *KeyringStore) Lookup(_ context.Context, server, share string) (transport.Credentials, error) {
	item, err := s.ring.Get(itemKey(server, share))
	if err != nil {
		if stderr.Is(err, keyring.ErrKeyNotFound) {
			return transport.Credentials{}, ErrNotFound
		}
		return transport.Credentials{}, err
	}

	var creds transport.Credentials
	if i := strings.IndexAny(item.Description, `\;`); i >= 0 {
		creds.Domain = item.Description[:i]
		creds.Username = item.Description[i+1:]
	} else {
		creds.Username = item.Description
	}
	creds.Password = string(item.Data)
	return creds, nil
}

func (s *KeyringStore) Set(server, share string, creds transport.Credentials) error {
	desc := creds.Username
	if creds.Domain != "" {
		desc = creds.Domain + `\` + creds.Username
	}
	return s.ring.Set(keyring.Item{
		Key:         itemKey(server, share),
		Data:        []byte(creds.Password),
		Description: desc,
		Label:       s.service + " " + server + "/" + share,
	})
}

func (s *KeyringStore) Delete(server, share string) error {
	err := s.ring.Remove(itemKey(server, share))
	if stderr.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}
