package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/app"
	"github.com/JakeFAU/inat-scraper/internal/config"
	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// closeRecordingStore mocks Close on top of the in-memory store.
type closeRecordingStore struct {
	*memory.Store
	mock.Mock
}

func (s *closeRecordingStore) Close() error {
	args := s.Called()
	return args.Error(0)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Path = filepath.Join(t.TempDir(), "inat.db")
	cfg.Images.Dir = filepath.Join(t.TempDir(), "images")
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithRegisterer(prometheus.NewRegistry()),
		app.WithProgressOutput(nil),
	}, opts...)
	a, err := app.New(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return a
}

func TestNewOpensSQLiteStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	ctx := context.Background()

	require.NoError(t, a.Store().Upsert(ctx, inat.Observation{ID: 1, ImageURL: "https://static.test/1/medium.jpg"}))
	n, err := a.Store().Count(ctx, inat.PendingQuery{Pipeline: inat.PipelineScrape})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Nil(t, a.ProgressOutput())
	assert.Equal(t, cfg.Store.Path, a.Config().Store.Path)

	require.NoError(t, a.Close(ctx))
}

func TestNewConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "mysql" }, "unknown store driver: mysql"},
		{"bad postgres dsn", func(c *config.Config) {
			c.Store.Driver = "postgres"
			c.Store.DSN = "::not a dsn"
		}, "open postgres store"},
		{"bad sqlite table", func(c *config.Config) { c.Store.Table = "drop table;" }, "open sqlite store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := app.New(context.Background(), cfg, nil,
				app.WithRegisterer(prometheus.NewRegistry()), app.WithProgressOutput(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAppBuildsServices(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newTestApp(t, cfg, app.WithStore(memory.NewStore()))
	ctx := context.Background()
	defer func() { require.NoError(t, a.Close(ctx)) }()

	blobs, err := a.BlobStore(ctx)
	require.NoError(t, err)
	uri, err := blobs.PutObject(ctx, "1.jpg", "image/jpeg", strings.NewReader("jpeg"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))

	fetcher, err := a.Fetcher(cfg.AnnotateProxy())
	require.NoError(t, err)
	runner, err := a.Runner(fetcher, 2, 8, nil)
	require.NoError(t, err)
	assert.NotNil(t, runner)

	_, err = a.Runner(fetcher, 0, 0, nil)
	require.Error(t, err)

	client, err := a.ExportClient()
	require.NoError(t, err)
	assert.NotNil(t, client.HTTPClient().Jar)

	httpClient, err := a.HTTPClient()
	require.NoError(t, err)
	assert.Zero(t, httpClient.Timeout)
}

func TestAppBlobStoreErrors(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Images.Backend = "ftp"
	a := newTestApp(t, cfg, app.WithStore(memory.NewStore()))
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	_, err := a.BlobStore(context.Background())
	require.ErrorContains(t, err, "unknown images backend: ftp")
}

func TestAppStatusServerStopsOnClose(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Status.Addr = "127.0.0.1:0"
	a := newTestApp(t, cfg, app.WithStore(memory.NewStore()))
	require.NoError(t, a.Close(context.Background()))
}

func TestAppCloseReportsStoreError(t *testing.T) {
	t.Parallel()

	st := &closeRecordingStore{Store: memory.NewStore()}
	st.On("Close").Return(errors.New("db error")).Once()
	a := newTestApp(t, testConfig(t), app.WithStore(st))

	err := a.Close(context.Background())
	require.ErrorContains(t, err, "close store: db error")
	st.AssertExpectations(t)
}
