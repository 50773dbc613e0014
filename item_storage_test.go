package azstash

import (
	"context"
	"errors"
	"testing"

	"github.com/jobcacher/azstash/configuration"
	"github.com/jobcacher/azstash/credentials"
	"github.com/jobcacher/azstash/internal/azuretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Lookup(context.Context, string) (credentials.Account, error) {
	return credentials.Account{}, errors.New("vault sealed")
}

func newItemStorage(t *testing.T, srv *azuretest.Server) *ItemStorage {
	t.Helper()

	s, err := NewItemStorage(Config{
		Storage: configuration.Storage{CredentialsID: "ci-storage", ContainerName: testContainer},
		Credentials: credentials.Static{
			"ci-storage": {Name: azuretest.AccountName, Key: azuretest.AccountKey, Endpoint: srv.Endpoint()},
		},
		MaxRetries: -1,
	})
	require.NoError(t, err)

	return s
}

func TestNewItemStorage(t *testing.T) {
	creds := credentials.Static{}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  Config{Storage: configuration.Storage{CredentialsID: "id", ContainerName: "caches"}, Credentials: creds},
		},
		{
			name:    "missing credentials id",
			cfg:     Config{Storage: configuration.Storage{ContainerName: "caches"}, Credentials: creds},
			wantErr: true,
		},
		{
			name:    "invalid container",
			cfg:     Config{Storage: configuration.Storage{CredentialsID: "id", ContainerName: "Caches_1"}, Credentials: creds},
			wantErr: true,
		},
		{
			name:    "no credentials store",
			cfg:     Config{Storage: configuration.Storage{CredentialsID: "id", ContainerName: "caches"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewItemStorage(tt.cfg)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "caches", s.ContainerName())
		})
	}
}

func TestItemStorage_Client(t *testing.T) {
	ctx := context.Background()
	storage := configuration.Storage{CredentialsID: "ci-storage", ContainerName: testContainer}

	tests := []struct {
		name    string
		creds   credentials.Store
		wantErr error
	}{
		{name: "unknown id", creds: credentials.Static{}, wantErr: ErrCredentialsNotFound},
		{name: "incomplete account", creds: credentials.Static{"ci-storage": {Name: "acct"}}, wantErr: ErrInvalidConfiguration},
		{name: "lookup failure", creds: failingStore{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewItemStorage(Config{Storage: storage, Credentials: tt.creds})
			require.NoError(t, err)

			_, err = s.Client(ctx)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NotErrorIs(t, err, ErrCredentialsNotFound)
			}

			_, err = s.ObjectPath(ctx, "myjob", "cache")
			require.Error(t, err)
		})
	}
}

func TestItemStorage_ClientEndpoint(t *testing.T) {
	storage := configuration.Storage{CredentialsID: "ci-storage", ContainerName: testContainer}

	tests := []struct {
		name     string
		endpoint string
		want     string
	}{
		{name: "public cloud", want: "https://acct.blob.core.windows.net"},
		{name: "emulator", endpoint: "http://127.0.0.1:10000/acct/", want: "http://127.0.0.1:10000/acct"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewItemStorage(Config{Storage: storage, Credentials: credentials.Static{
				"ci-storage": {Name: "acct", Key: azuretest.AccountKey, Endpoint: tt.endpoint},
			}})
			require.NoError(t, err)
			assert.Equal(t, testContainer, s.ContainerName())

			blob, err := s.Client(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, blob.Endpoint())
			assert.Equal(t, testContainer, blob.Container())
		})
	}
}

func TestItemStorage_ObjectPath(t *testing.T) {
	ctx := context.Background()
	srv := azuretest.NewServer(t)
	s := newItemStorage(t, srv)

	p, err := s.ObjectPath(ctx, "team/app/main", "caches")
	require.NoError(t, err)
	assert.Equal(t, "team/app/main", p.Namespace())
	assert.Equal(t, "team/app/main/caches", p.Name())

	p, err = s.ObjectPathForBranch(ctx, "team/app/feature-x", "caches", "main")
	require.NoError(t, err)
	assert.Equal(t, "team/app/main", p.Namespace())
	assert.Equal(t, "team/app/main/caches/deps.zip", p.Child("deps.zip").Name())

	_, err = s.ObjectPath(ctx, "", "caches")
	require.Error(t, err)

	_, err = s.ObjectPathForBranch(ctx, "team/app/feature-x", "caches", "")
	require.Error(t, err)
}

func TestBranchNamespace(t *testing.T) {
	tests := []struct {
		item   string
		branch string
		want   string
	}{
		{item: "team/app/feature-x", branch: "main", want: "team/app/main"},
		{item: "app/PR-12", branch: "develop", want: "app/develop"},
		{item: "app/PR-12/", branch: "main", want: "app/main"},
		{item: "standalone", branch: "main", want: "main"},
	}

	for _, tt := range tests {
		t.Run(tt.item, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchNamespace(tt.item, tt.branch))
		})
	}
}
