package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qri-io/zarrview/raster"
	"github.com/qri-io/zarrview/server"
	"github.com/qri-io/zarrview/view"
)

func TestDefaultConfig(t *testing.T) {
	c, err := loadConfig("")
	require.NoError(t, err)
	require.NoError(t, c.validate())
	require.Equal(t, server.DefaultAddr, c.Server.Addr)
	require.Equal(t, string(view.ConsolidatedAuto), c.Store.Consolidated)

	n, err := c.cacheBytes()
	require.NoError(t, err)
	require.Zero(t, n)

	opt, err := c.loaderOptions(zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, opt.Cache)
	require.Equal(t, 3, opt.Retries)
	require.False(t, c.serverConfig().AllowLocal)
}

func TestLoadConfig(t *testing.T) {
	c, err := loadConfig("testdata/zarrview.toml")
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9000", c.Server.Addr)
	require.Equal(t, []string{"https://example.org"}, c.Server.AllowedOrigins)
	require.Equal(t, 45*time.Second, c.Server.Timeout.Duration)
	require.Equal(t, 100*time.Millisecond, c.Store.RetryInterval.Duration)
	require.Equal(t, 10*time.Minute, c.Store.CacheTTL.Duration)
	require.Equal(t, "debug", c.Logging.Level)

	n, err := c.cacheBytes()
	require.NoError(t, err)
	require.Equal(t, 64000000, n)

	opt, err := c.loaderOptions(zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, opt.Cache)
	require.Equal(t, view.ConsolidatedRequire, opt.Consolidated)
	require.Equal(t, 5, opt.Retries)
	require.Equal(t, 4, opt.Array.Concurrency)
	require.True(t, opt.Array.MaskFillValue)
	require.False(t, opt.Rasterizer.AllowFallback)

	sc := c.serverConfig()
	require.Equal(t, raster.GIF, sc.Format)
	require.Equal(t, raster.CatmullRom, sc.Kernel)
	require.Equal(t, 16, sc.Colors)
	require.Equal(t, 1024, sc.MaxWidth)
	require.Equal(t, 512, sc.MaxHeight)
	require.Equal(t, 45*time.Second, sc.Timeout)
	require.True(t, sc.AllowLocal)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig("testdata/unknown.toml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "store.cache")

	_, err = loadConfig("testdata/missing.toml")
	require.Error(t, err)

	dir := t.TempDir()
	for _, body := range []string{
		"[store]\nconsolidated = \"sometimes\"\n",
		"[store]\ncache_size = \"lots\"\n",
		"[render]\nformat = \"bmp\"\n",
		"[render]\nkernel = \"lanczos\"\n",
		"[render]\ncolors = 300\n",
		"[server]\ntimeout = \"soon\"\n",
		"[store]\nretries = -1\n",
		"[store]\nconcurrency = -2\n",
	} {
		p := filepath.Join(dir, "c.toml")
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		_, err := loadConfig(p)
		require.Error(t, err, body)
	}
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(logConfig{Level: "loud"}, false)
	require.Error(t, err)

	lg, err := newLogger(logConfig{Level: "warn"}, false)
	require.NoError(t, err)
	require.False(t, lg.Core().Enabled(zap.InfoLevel))

	lg, err = newLogger(logConfig{Level: "warn"}, true)
	require.NoError(t, err)
	require.True(t, lg.Core().Enabled(zap.DebugLevel))

	p := filepath.Join(t.TempDir(), "zarrview.log")
	lg, err = newLogger(logConfig{Level: "info", Logfile: p, MaxSize: 1}, false)
	require.NoError(t, err)
	lg.Info("Image loaded", zap.Int("width", 4))
	lg.Debug("dropped")
	require.NoError(t, lg.Sync())

	d, err := os.ReadFile(p)
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(d, &entry))
	require.Equal(t, "Image loaded", entry["msg"])
	require.Equal(t, 4.0, entry["width"])
}
