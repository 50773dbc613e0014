package store

import (
	"context"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/jobcacher/azstash/internal/azuretest"
	"github.com/jobcacher/azstash/internal/signer"
	"github.com/jobcacher/azstash/transfer"
	"github.com/jobcacher/azstash/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContainer = "job-caches"

type capturingDispatcher struct {
	next  worker.Dispatcher
	units []transfer.Unit
}

func (d *capturingDispatcher) Dispatch(ctx context.Context, target worker.FilePath, unit transfer.Unit) (*transfer.Info, error) {
	d.units = append(d.units, unit)
	return d.next.Dispatch(ctx, target, unit)
}

func newAzureBlob(t *testing.T, srv *azuretest.Server, mutate func(*AzureConfig)) (*AzureBlob, *capturingDispatcher) {
	t.Helper()

	d := &capturingDispatcher{next: worker.NewLocalDispatcher(transfer.NewExecutor(transfer.WithMaxRetries(-1)))}

	cfg := AzureConfig{
		AccountName: azuretest.AccountName,
		AccountKey:  azuretest.AccountKey,
		Endpoint:    srv.Endpoint(),
		Container:   testContainer,
		Dispatcher:  d,
		MaxRetries:  -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	b, err := NewAzureBlob(cfg)
	require.NoError(t, err)

	return b, d
}

func TestNewAzureBlob(t *testing.T) {
	tests := []struct {
		name         string
		cfg          AzureConfig
		wantEndpoint string
		wantErr      bool
	}{
		{name: "defaults endpoint", cfg: AzureConfig{AccountName: "acct", AccountKey: azuretest.AccountKey, Container: "c"}, wantEndpoint: "https://acct.blob.core.windows.net"},
		{name: "trims endpoint", cfg: AzureConfig{AccountName: "acct", AccountKey: azuretest.AccountKey, Container: "c", Endpoint: "http://127.0.0.1:10000/devstoreaccount1/"}, wantEndpoint: "http://127.0.0.1:10000/devstoreaccount1"},
		{name: "missing account", cfg: AzureConfig{AccountKey: azuretest.AccountKey, Container: "c"}, wantErr: true},
		{name: "missing container", cfg: AzureConfig{AccountName: "acct", AccountKey: azuretest.AccountKey}, wantErr: true},
		{name: "key not base64", cfg: AzureConfig{AccountName: "acct", AccountKey: "not base64!", Container: "c"}, wantErr: true},
		{name: "bad scheme", cfg: AzureConfig{AccountName: "acct", AccountKey: azuretest.AccountKey, Container: "c", Endpoint: "ftp://acct"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewAzureBlob(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantEndpoint, b.Endpoint())
			require.Equal(t, "c", b.Container())
		})
	}
}

func TestAzureBlob_UploadDownload(t *testing.T) {
	ctx := context.Background()
	srv := azuretest.NewServer(t)
	b, d := newAzureBlob(t, srv, nil)

	data := []byte("cached build outputs")
	src := filepath.Join(t.TempDir(), "deps.tar")
	require.NoError(t, os.WriteFile(src, data, 0o600))

	info, err := b.Upload(ctx, worker.LocalPath(src), "myjob/cache/deps.tar")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.BytesTransferred)

	stored, ok := srv.Get(testContainer, "myjob/cache/deps.tar")
	require.True(t, ok)
	assert.Equal(t, data, stored.Data)
	assert.Equal(t, "application/x-tar", stored.ContentType)

	dest := filepath.Join(t.TempDir(), "out.tar")
	_, err = b.Download(ctx, "myjob/cache/deps.tar", worker.LocalPath(dest))
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// one write-only then one read-only unit, each scoped to the one blob
	require.Len(t, d.units, 2)
	for i, wantPerm := range []string{"w", "r"} {
		u := d.units[i]
		assert.Equal(t, srv.Endpoint(), u.Endpoint)

		signed, err := url.Parse(u.SignedURL)
		require.NoError(t, err)
		assert.Equal(t, "/"+azuretest.AccountName+"/"+testContainer+"/myjob/cache/deps.tar", signed.Path)
		assert.Equal(t, wantPerm, signed.Query().Get("sp"))
		assert.Equal(t, "b", signed.Query().Get("sr"))
	}
	assert.Equal(t, transfer.OpUpload, d.units[0].Op)
	assert.Equal(t, transfer.OpDownload, d.units[1].Op)
}

func TestAzureBlob_TokensAreFreshPerOperation(t *testing.T) {
	ctx := context.Background()
	srv := azuretest.NewServer(t)

	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	later := issued.Add(3 * time.Hour)

	clock := issued
	b, d := newAzureBlob(t, srv, func(cfg *AzureConfig) {
		cfg.Clock = func() time.Time { return clock }
	})
	srv.SetNow(func() time.Time { return issued })

	src := filepath.Join(t.TempDir(), "deps.zip")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))

	_, err := b.Upload(ctx, worker.LocalPath(src), "ns/deps.zip")
	require.NoError(t, err)

	// the first token has long expired by now, a new one is minted
	clock = later
	srv.SetNow(func() time.Time { return later })
	_, err = b.Upload(ctx, worker.LocalPath(src), "ns/deps.zip")
	require.NoError(t, err)

	require.Len(t, d.units, 2)
	assert.NotEqual(t, d.units[0].SignedURL, d.units[1].SignedURL)
}

func TestAzureBlob_ProxyLookedUpPerOperation(t *testing.T) {
	ctx := context.Background()
	srv := azuretest.NewServer(t)

	// loopback is never proxied, so the fake is still reached directly
	proxy := &transfer.ProxyConfig{Host: "proxy.internal", Port: 3128}
	calls := 0
	b, d := newAzureBlob(t, srv, func(cfg *AzureConfig) {
		cfg.Proxy = func() *transfer.ProxyConfig {
			calls++
			return proxy
		}
	})

	src := filepath.Join(t.TempDir(), "deps.zip")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))

	_, err := b.Upload(ctx, worker.LocalPath(src), "ns/deps.zip")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	require.Len(t, d.units, 1)
	assert.Equal(t, proxy, d.units[0].Proxy)
}

func TestAzureBlob_ExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	srv := azuretest.NewServer(t)
	b, _ := newAzureBlob(t, srv, nil)

	srv.Put(testContainer, "ns/present.zip", azuretest.Blob{Data: []byte("x")})

	ok, err := b.Exists(ctx, "ns/present.zip")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Exists(ctx, "ns/absent.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Delete(ctx, "ns/present.zip"))
	_, found := srv.Get(testContainer, "ns/present.zip")
	assert.False(t, found)

	// a second delete surfaces the service's not found error
	err = b.Delete(ctx, "ns/present.zip")
	require.Error(t, err)
	var respErr *azcore.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, 404, respErr.StatusCode)

	// metadata calls use the account key, never a SAS
	for _, r := range srv.Requests() {
		assert.NotEmpty(t, r.Authorization)
		assert.False(t, r.Query.Has("sig"))
	}
}

func TestAzureBlob_DownloadMissing(t *testing.T) {
	srv := azuretest.NewServer(t)
	b, _ := newAzureBlob(t, srv, nil)

	_, err := b.Download(context.Background(), "ns/absent.zip", worker.LocalPath(filepath.Join(t.TempDir(), "absent.zip")))
	require.ErrorIs(t, err, transfer.ErrRejected)
}

func TestAzureBlob_ExpiredTokenRejected(t *testing.T) {
	srv := azuretest.NewServer(t)
	b, _ := newAzureBlob(t, srv, func(cfg *AzureConfig) {
		cfg.SASExpiry = time.Minute
	})
	srv.SetNow(func() time.Time { return time.Now().Add(2 * time.Minute) })

	src := filepath.Join(t.TempDir(), "deps.zip")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))

	_, err := b.Upload(context.Background(), worker.LocalPath(src), "ns/deps.zip")
	require.ErrorIs(t, err, transfer.ErrRejected)
}

func TestAzureBlob_RemoteWorker(t *testing.T) {
	ctx := context.Background()
	srv := azuretest.NewServer(t)

	root := t.TempDir()
	agent := httptest.NewServer(worker.NewServer(worker.ServerConfig{Root: root, Token: "tok"}).Handler())
	defer agent.Close()

	router := worker.NewRouter(nil)
	router.Register("linux-01", worker.NewClient("test", agent.URL, "tok"))

	b, err := NewAzureBlob(AzureConfig{
		AccountName: azuretest.AccountName,
		AccountKey:  azuretest.AccountKey,
		Endpoint:    srv.Endpoint(),
		Container:   testContainer,
		Dispatcher:  router,
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "deps.tgz"), []byte("remote bytes"), 0o600))

	_, err = b.Upload(ctx, worker.OnWorker("linux-01", "deps.tgz"), "myjob/deps.tgz")
	require.NoError(t, err)

	stored, ok := srv.Get(testContainer, "myjob/deps.tgz")
	require.True(t, ok)
	assert.Equal(t, "remote bytes", string(stored.Data))

	_, err = b.Download(ctx, "myjob/deps.tgz", worker.OnWorker("linux-01", "restored.tgz"))
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(root, "restored.tgz"))
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", string(got))

	_, err = b.Upload(ctx, worker.OnWorker("mac-01", "deps.tgz"), "myjob/deps.tgz")
	require.ErrorIs(t, err, worker.ErrUnknownWorker)
}

func TestAzureBlob_SignedURL(t *testing.T) {
	srv := azuretest.NewServer(t)
	b, _ := newAzureBlob(t, srv, nil)

	signedURL, token, err := b.SignedURL("ns/deps.tar", signer.Read)
	require.NoError(t, err)
	assert.Equal(t, signer.Read, token.Permission)

	u, err := url.Parse(signedURL)
	require.NoError(t, err)
	assert.Equal(t, "https,http", u.Query().Get("spr"))

	_, _, err = b.SignedURL("ns/deps.tar", signer.Read|signer.Write)
	require.ErrorIs(t, err, signer.ErrInvalidPermission)
}
