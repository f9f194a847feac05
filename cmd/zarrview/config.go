package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	zarr "github.com/qri-io/zarrview"
	"github.com/qri-io/zarrview/raster"
	"github.com/qri-io/zarrview/server"
	"github.com/qri-io/zarrview/view"
)

// duration is a time.Duration read from a TOML string such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type tomlConfig struct {
	Server  serverConfig
	Store   storeConfig
	Render  renderConfig
	Logging logConfig
}

type serverConfig struct {
	Addr           string
	AllowedOrigins []string `toml:"allowed_origins"`
	Timeout        duration
	// AllowLocal lets viewer clients read directories on this host.
	AllowLocal bool `toml:"allow_local"`
}

type storeConfig struct {
	Retries       int
	RetryInterval duration `toml:"retry_interval"`
	// Consolidated is one of "auto", "require" or "off".
	Consolidated string
	Concurrency  int
	// CacheSize is a human readable size such as "256 MB"; empty disables
	// the cache.
	CacheSize string   `toml:"cache_size"`
	CacheTTL  duration `toml:"cache_ttl"`
}

type renderConfig struct {
	Format        string
	Colors        int
	Kernel        string
	Width         int
	Height        int
	MaskFill      bool `toml:"mask_fill"`
	AllowFallback bool `toml:"allow_fallback"`
}

type logConfig struct {
	Level      string
	Logfile    string
	MaxSize    int `toml:"max_log_size"`
	MaxAge     int `toml:"max_log_age"`
	MaxBackups int `toml:"max_log_backups"`
}

func defaultConfig() *tomlConfig {
	return &tomlConfig{
		Server: serverConfig{
			Addr:    server.DefaultAddr,
			Timeout: duration{2 * time.Minute},
		},
		Store: storeConfig{
			Retries:       3,
			RetryInterval: duration{250 * time.Millisecond},
			Consolidated:  string(view.ConsolidatedAuto),
			Concurrency:   8,
		},
		Render: renderConfig{
			Format: string(raster.PNG),
			Kernel: string(raster.Bilinear),
		},
		Logging: logConfig{
			Level:   "info",
			MaxSize: 100,
			MaxAge:  30,
		},
	}
}

// loadConfig reads a TOML file over the defaults. An empty filename
// returns the defaults.
func loadConfig(filename string) (*tomlConfig, error) {
	c := defaultConfig()
	if filename == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(filename, c)
	if err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown config key %q", undecoded[0].String())
	}
	if err := c.validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", filename)
	}
	return c, nil
}

func (c *tomlConfig) validate() error {
	switch view.ConsolidatedMode(c.Store.Consolidated) {
	case view.ConsolidatedAuto, view.ConsolidatedRequire, view.ConsolidatedOff:
	default:
		return errors.Errorf("store.consolidated must be auto, require or off, not %q", c.Store.Consolidated)
	}
	switch raster.Format(c.Render.Format) {
	case raster.PNG, raster.GIF:
	default:
		return errors.Errorf("unknown render.format %q", c.Render.Format)
	}
	switch raster.Kernel(c.Render.Kernel) {
	case raster.Nearest, raster.Bilinear, raster.CatmullRom:
	default:
		return errors.Errorf("unknown render.kernel %q", c.Render.Kernel)
	}
	if c.Store.Retries < 0 {
		return errors.Errorf("store.retries %d is negative", c.Store.Retries)
	}
	if c.Store.Concurrency < 0 {
		return errors.Errorf("store.concurrency %d is negative", c.Store.Concurrency)
	}
	if c.Render.Colors < 0 || c.Render.Colors > 256 {
		return errors.Errorf("render.colors %d out of range [0, 256]", c.Render.Colors)
	}
	if _, err := c.cacheBytes(); err != nil {
		return err
	}
	return nil
}

func (c *tomlConfig) cacheBytes() (int, error) {
	if c.Store.CacheSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Store.CacheSize)
	if err != nil {
		return 0, errors.Wrap(err, "store.cache_size")
	}
	return int(n), nil
}

func (c *tomlConfig) loaderOptions(lg *zap.Logger) (view.Options, error) {
	opt := view.Options{
		Logger:        lg,
		Retries:       c.Store.Retries,
		RetryInterval: c.Store.RetryInterval.Duration,
		Consolidated:  view.ConsolidatedMode(c.Store.Consolidated),
		CacheTTL:      c.Store.CacheTTL.Duration,
		Array: zarr.Options{
			Logger:        lg.Named("zarr"),
			Concurrency:   c.Store.Concurrency,
			MaskFillValue: c.Render.MaskFill,
		},
		Rasterizer: raster.Rasterizer{
			Logger:        lg.Named("raster"),
			AllowFallback: c.Render.AllowFallback,
		},
	}
	n, err := c.cacheBytes()
	if err != nil {
		return opt, err
	}
	if n > 0 {
		opt.Cache = freecache.NewCache(n)
		lg.Debug("Created cache", zap.String("size", humanize.IBytes(uint64(n))))
	}
	return opt, nil
}

func (c *tomlConfig) serverConfig() server.Config {
	return server.Config{
		Addr:           c.Server.Addr,
		AllowedOrigins: c.Server.AllowedOrigins,
		MaxWidth:       c.Render.Width,
		MaxHeight:      c.Render.Height,
		Kernel:         raster.Kernel(c.Render.Kernel),
		Format:         raster.Format(c.Render.Format),
		Colors:         c.Render.Colors,
		Timeout:        c.Server.Timeout.Duration,
		AllowLocal:     c.Server.AllowLocal,
	}
}
