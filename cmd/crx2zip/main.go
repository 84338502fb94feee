// Command crx2zip converts Chrome extension packages into ZIP archives.
//
// Usage:
//
//	crx2zip [flags] file.crx...
//	crx2zip [flags] https://example.com/ext.crx
//	crx2zip [flags] -id adbacgifemdbhdkfppmeilbgppmhaobf
//
// For every input it prints the output path, the payload digest and the
// extension id (when the signer's key is known).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"github.com/meigma/crx"
	"github.com/meigma/crx/sink"
	"github.com/meigma/crx/webstore"
)

type config struct {
	outDir         string
	zstd           bool
	legacyIdentity bool
	maxDepth       int
	jobs           int
	push           string
	plainHTTP      bool
	inspect        bool
	ids            []string
	cacheDir       string
	cacheMaxBytes  int64
	query          webstore.Query
	baseURL        string
	logLevel       slog.Level
	files          []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "crx2zip:", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel}))

	if err := run(ctx, cfg, os.Stdout, logger); err != nil {
		logger.Error("crx2zip failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	cfg := config{query: webstore.DefaultQuery()}
	var ids, osName, arch, prod, level string
	var verbose bool

	fs := flag.NewFlagSet("crx2zip", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.outDir, "o", ".", "output directory")
	fs.BoolVar(&cfg.zstd, "zstd", false, "compress output with zstd (.zip.zst)")
	fs.BoolVar(&cfg.legacyIdentity, "legacy-identity", false, "capture only the first 4 bytes of CRX2 public keys")
	fs.IntVar(&cfg.maxDepth, "max-depth", crx.DefaultMaxDepth, "maximum nested containers to unwrap")
	fs.IntVar(&cfg.jobs, "j", runtime.GOMAXPROCS(0), "parallel conversions")
	fs.StringVar(&cfg.push, "push", "", "push the ZIP to an OCI reference (registry/repo:tag) instead of writing files")
	fs.BoolVar(&cfg.plainHTTP, "plain-http", false, "use plain HTTP for -push")
	fs.BoolVar(&cfg.inspect, "inspect", false, "print header layers and manifest instead of converting")
	fs.StringVar(&ids, "id", "", "comma-separated extension ids to download from the web store")
	fs.StringVar(&cfg.cacheDir, "cache", "", "directory for caching downloads")
	fs.Int64Var(&cfg.cacheMaxBytes, "cache-max-bytes", 0, "download cache size limit (0 = unlimited)")
	fs.StringVar(&cfg.baseURL, "update-url", webstore.DefaultBaseURL, "web store update endpoint")
	fs.StringVar(&osName, "os", string(cfg.query.OS), "os reported to the web store")
	fs.StringVar(&arch, "arch", string(cfg.query.Arch), "architecture reported to the web store")
	fs.StringVar(&prod, "prod", string(cfg.query.Product), "product reported to the web store")
	fs.StringVar(&cfg.query.ProdVersion, "prodversion", cfg.query.ProdVersion, "browser version reported to the web store")
	fs.StringVar(&level, "log-level", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&verbose, "v", false, "shorthand for -log-level=debug")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	var err error
	if cfg.query.OS, err = webstore.ParseOS(osName); err != nil {
		return config{}, err
	}
	if cfg.query.Arch, err = webstore.ParseArch(arch); err != nil {
		return config{}, err
	}
	cfg.query.OSArch = cfg.query.Arch
	cfg.query.NaClArch = cfg.query.Arch
	if cfg.query.Product, err = webstore.ParseProduct(prod); err != nil {
		return config{}, err
	}
	if err := cfg.logLevel.UnmarshalText([]byte(level)); err != nil {
		return config{}, fmt.Errorf("log-level: %w", err)
	}
	if verbose {
		cfg.logLevel = slog.LevelDebug
	}
	for _, id := range strings.Split(ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			cfg.ids = append(cfg.ids, id)
		}
	}
	cfg.files = fs.Args()
	if len(cfg.files) == 0 && len(cfg.ids) == 0 {
		fs.Usage()
		return config{}, errors.New("no input: pass .crx files, URLs or -id")
	}
	if cfg.jobs < 1 {
		cfg.jobs = 1
	}
	return cfg, nil
}

func (c config) crxOptions(logger *slog.Logger) []crx.Option {
	opts := []crx.Option{
		crx.WithLogger(logger),
		crx.WithMaxDepth(c.maxDepth),
	}
	if c.legacyIdentity {
		opts = append(opts, crx.WithLegacyIdentity())
	}
	return opts
}

func (c config) fileOptions() []sink.FileOption {
	if c.zstd {
		return []sink.FileOption{sink.WithCompression(sink.CompressionZstd)}
	}
	return nil
}
