package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path"
	"sort"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/go-faster/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	// Cloud bucket providers for gs:// and s3:// locations.
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/qri-io/zarrview/raster"
	"github.com/qri-io/zarrview/server"
	"github.com/qri-io/zarrview/view"
)

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version",
	}
}

// env is the state shared by all commands, set up before any of them run.
type env struct {
	cfg *tomlConfig
	lg  *zap.Logger
}

func (e *env) setup(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	if c.IsSet("log-file") {
		cfg.Logging.Logfile = c.String("log-file")
	}
	lg, err := newLogger(cfg.Logging, c.Bool("verbose"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	e.cfg, e.lg = cfg, lg
	return nil
}

func (e *env) loader() (*view.Loader, error) {
	opt, err := e.cfg.loaderOptions(e.lg)
	if err != nil {
		return nil, err
	}
	return view.NewLoader(opt), nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func main() {
	var e env

	app := cli.NewApp()
	app.Name = "zarrview"
	app.Usage = "Render planes of Zarr arrays as grayscale images"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			EnvVars: []string{"ZARRVIEW_CONFIG"},
			Usage:   "path to TOML configuration file",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "increase verbosity",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "write JSON logs to a rotated file instead of stderr",
		},
	}
	app.Before = e.setup
	app.After = func(*cli.Context) error {
		if e.lg != nil {
			_ = e.lg.Sync()
		}
		return nil
	}

	app.Commands = []*cli.Command{
		renderCommand(&e),
		infoCommand(&e),
		serveCommand(&e),
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var storeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "path",
		Aliases: []string{"p"},
		Usage:   "array path within the root group, e.g. 0/precipitation",
	},
	&cli.BoolFlag{
		Name:  "no-consolidated",
		Usage: "read metadata keys individually instead of from .zmetadata",
	},
}

// applyStoreFlags lets command line flags override the configuration file.
func applyStoreFlags(c *cli.Context, cfg *tomlConfig) {
	if c.Bool("no-consolidated") {
		cfg.Store.Consolidated = string(view.ConsolidatedOff)
	}
}

func renderCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "Render a plane of an array to an image file",
		ArgsUsage: "LOCATION",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "index",
				Usage: "comma separated indexes of the leading dimensions (default 0)",
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "output file, - for stdout (default <array name>.<format>)",
			},
			&cli.StringFlag{Name: "format", Usage: "png or gif"},
			&cli.IntFlag{Name: "colors", Usage: "reduce the output to at most this many colors"},
			&cli.IntFlag{Name: "width", Usage: "maximum output width"},
			&cli.IntFlag{Name: "height", Usage: "maximum output height"},
			&cli.StringFlag{Name: "kernel", Usage: "resampling kernel: nearest, bilinear or catmullrom"},
			&cli.BoolFlag{Name: "mask-fill", Usage: "draw elements equal to the fill value as missing"},
			&cli.BoolFlag{Name: "allow-fallback", Usage: "render unrecognized data as a flat image instead of failing"},
		}, storeFlags...),
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				cli.ShowCommandHelpAndExit(c, c.Command.FullName(), 1)
			}
			cfg := *e.cfg
			applyStoreFlags(c, &cfg)
			applyRenderFlags(c, &cfg)
			if err := cfg.validate(); err != nil {
				return cli.NewExitError(err, 1)
			}
			e.cfg = &cfg

			if err := e.render(c); err != nil {
				return cli.NewExitError(err, 1)
			}
			return nil
		},
	}
}

func applyRenderFlags(c *cli.Context, cfg *tomlConfig) {
	if c.IsSet("format") {
		cfg.Render.Format = c.String("format")
	}
	if c.IsSet("colors") {
		cfg.Render.Colors = c.Int("colors")
	}
	if c.IsSet("width") {
		cfg.Render.Width = c.Int("width")
	}
	if c.IsSet("height") {
		cfg.Render.Height = c.Int("height")
	}
	if c.IsSet("kernel") {
		cfg.Render.Kernel = c.String("kernel")
	}
	if c.IsSet("mask-fill") {
		cfg.Render.MaskFill = c.Bool("mask-fill")
	}
	if c.IsSet("allow-fallback") {
		cfg.Render.AllowFallback = c.Bool("allow-fallback")
	}
}

func (e *env) render(c *cli.Context) (err error) {
	index, err := view.ParseIndex(c.String("index"))
	if err != nil {
		return err
	}
	l, err := e.loader()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	location := c.Args().First()
	fmt.Fprintln(c.App.ErrWriter, "Loading Zarr store...")
	res, err := l.Load(ctx, view.Request{
		Location:  location,
		Path:      c.String("path"),
		Index:     index,
		MaxWidth:  e.cfg.Render.Width,
		MaxHeight: e.cfg.Render.Height,
		Kernel:    raster.Kernel(e.cfg.Render.Kernel),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.ErrWriter, "Array loaded: shape=%v, dtype=%s\n", res.Shape, res.Dtype)

	format := raster.Format(e.cfg.Render.Format)
	out := c.String("out")
	if out == "" {
		name := path.Base("/" + res.Path)
		if name == "/" {
			name = "plane"
		}
		out = name + "." + string(format)
	}

	var w io.Writer = c.App.Writer
	if out != "-" {
		f, ferr := os.Create(out)
		if ferr != nil {
			return ferr
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		w = f
	}
	if err := raster.Encode(w, res.Raster, raster.EncodeOptions{Format: format, Colors: e.cfg.Render.Colors}); err != nil {
		return errors.Wrap(err, "encode")
	}

	fmt.Fprintf(c.App.ErrWriter, "Image loaded: %d×%d %s -> %s", res.Raster.Width, res.Raster.Height, res.Selection, out)
	if res.Fetched.Requests > 0 {
		fmt.Fprintf(c.App.ErrWriter, " (%s in %d requests)", humanize.Bytes(uint64(res.Fetched.Bytes)), res.Fetched.Requests)
	}
	fmt.Fprintln(c.App.ErrWriter)
	return nil
}

func infoCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Print the metadata of an array",
		ArgsUsage: "LOCATION",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of a summary"},
		}, storeFlags...),
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				cli.ShowCommandHelpAndExit(c, c.Command.FullName(), 1)
			}
			applyStoreFlags(c, e.cfg)
			if err := e.info(c); err != nil {
				return cli.NewExitError(err, 1)
			}
			return nil
		},
	}
}

func (e *env) info(c *cli.Context) error {
	l, err := e.loader()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	info, err := l.Inspect(ctx, c.Args().First(), c.String("path"))
	if err != nil {
		return err
	}
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprint(c.App.Writer, info.Summary)
	keys := make([]string, 0, len(info.Attrs))
	for k := range info.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.App.Writer, "%-19s: %v\n", "Attribute "+k, info.Attrs[k])
	}
	if len(info.Arrays) > 0 {
		fmt.Fprintf(c.App.Writer, "Arrays in store    : %s\n", strings.Join(info.Arrays, ", "))
	}
	return nil
}

func serveCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the viewer page and render endpoint over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address (default " + server.DefaultAddr + ")"},
			&cli.StringSliceFlag{Name: "origin", Usage: "allowed CORS origin, may be repeated"},
			&cli.BoolFlag{Name: "allow-local", Usage: "let clients read directories and file:// buckets on this host"},
		},
		Action: func(c *cli.Context) error {
			if c.IsSet("addr") {
				e.cfg.Server.Addr = c.String("addr")
			}
			if c.IsSet("origin") {
				e.cfg.Server.AllowedOrigins = c.StringSlice("origin")
			}
			if c.IsSet("allow-local") {
				e.cfg.Server.AllowLocal = c.Bool("allow-local")
			}
			l, err := e.loader()
			if err != nil {
				return cli.NewExitError(err, 1)
			}
			ctx, cancel := signalContext(c)
			defer cancel()

			sc := e.cfg.serverConfig()
			if err := server.ListenAndServe(ctx, sc, server.New(sc, l, e.lg.Named("http")), e.lg); err != nil {
				return cli.NewExitError(err, 1)
			}
			return nil
		},
	}
}
