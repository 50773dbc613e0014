// Package credentials resolves a credentials id to a storage account.
//
// Stores never hand out anything but the resolved Account; the account key
// stays on the controller and is only used to sign.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no store knows the id.
var ErrNotFound = errors.New("credentials not found")

// Account is a resolved storage account.
type Account struct {
	Name string `yaml:"account-name"`
	Key  string `yaml:"account-key"`
	// Endpoint is the blob service URL, empty means the public cloud default
	// applied by the store.
	Endpoint string `yaml:"blob-endpoint,omitempty"`
}

// Validate checks an account is usable for signing.
func (a Account) Validate() error {
	if a.Name == "" {
		return errors.New("account name is required")
	}
	if a.Key == "" {
		return errors.New("account key is required")
	}
	return nil
}

// Store looks up accounts by credentials id.
type Store interface {
	Lookup(ctx context.Context, id string) (Account, error)
}

// Static is an in memory store.
type Static map[string]Account

func (s Static) Lookup(_ context.Context, id string) (Account, error) {
	a, ok := s[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// FileStore reads a YAML document mapping ids to accounts:
//
//	ci-azure:
//	  account-name: mystorage
//	  account-key: base64key==
//	  blob-endpoint: http://127.0.0.1:10000/devstoreaccount1
//
// The file is read on every lookup so rotated keys are picked up.
type FileStore struct {
	Path string
}

func (s FileStore) Lookup(_ context.Context, id string) (Account, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Account{}, fmt.Errorf("%w: %s (no credentials file %s)", ErrNotFound, id, s.Path)
		}
		return Account{}, fmt.Errorf("failed to read credentials file %s: %w", s.Path, err)
	}

	accounts := map[string]Account{}
	if err := yaml.Unmarshal(data, &accounts); err != nil {
		return Account{}, fmt.Errorf("failed to parse credentials file %s: %w", s.Path, err)
	}

	return Static(accounts).Lookup(context.Background(), id)
}

// EnvPrefix starts every variable read by EnvStore.
const EnvPrefix = "AZSTASH_CREDENTIALS_"

var envUnsafe = regexp.MustCompile(`[^A-Z0-9]+`)

// EnvStore reads AZSTASH_CREDENTIALS_<ID>_ACCOUNT_NAME, _ACCOUNT_KEY and the
// optional _BLOB_ENDPOINT, where <ID> is the id upper cased with every run of
// other characters replaced by an underscore.
type EnvStore struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// EnvName returns the variable name for one field of an id.
func EnvName(id, field string) string {
	return EnvPrefix + envUnsafe.ReplaceAllString(strings.ToUpper(id), "_") + "_" + field
}

func (s EnvStore) Lookup(_ context.Context, id string) (Account, error) {
	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	a := Account{
		Name:     getenv(EnvName(id, "ACCOUNT_NAME")),
		Key:      getenv(EnvName(id, "ACCOUNT_KEY")),
		Endpoint: getenv(EnvName(id, "BLOB_ENDPOINT")),
	}

	if a.Name == "" && a.Key == "" {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return a, nil
}

// Chain tries each store in order, moving on only when a store does not know the id.
type Chain []Store

func (c Chain) Lookup(ctx context.Context, id string) (Account, error) {
	for _, s := range c {
		a, err := s.Lookup(ctx, id)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Account{}, err
		}
	}

	return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}
