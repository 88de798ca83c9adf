package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"

	"github.com/NamanBalaji/upstream/internal/chunk"
	"github.com/NamanBalaji/upstream/internal/config"
	"github.com/NamanBalaji/upstream/internal/logger"
	"github.com/NamanBalaji/upstream/internal/pipeline"
	"github.com/NamanBalaji/upstream/internal/transfer"
	"github.com/NamanBalaji/upstream/pkg/datasource"
	httpPkg "github.com/NamanBalaji/upstream/pkg/http"
)

const copyBufferSize = 64 * 1024

type options struct {
	output   string
	offset   int64
	length   int64
	key      string
	parallel int
	noCache  bool
	rate     int64
	precache bool
	quiet    bool
}

func main() {
	var opts options

	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.StringVar(&opts.output, "o", "", "Output file, - for stdout (default: name derived from the URI)")
	flag.Int64Var(&opts.offset, "offset", 0, "Byte offset to start reading from")
	flag.Int64Var(&opts.length, "length", datasource.LengthUnbounded, "Number of bytes to read, -1 for the rest of the resource")
	flag.StringVar(&opts.key, "key", "", "Cache key (default: the URI)")
	flag.IntVar(&opts.parallel, "parallel", 0, "Load the range over this many connections (0 reads sequentially)")
	flag.BoolVar(&opts.noCache, "no-cache", false, "Bypass the disk cache")
	flag.Int64Var(&opts.rate, "rate", 0, "Limit reads to this many bytes per second")
	flag.BoolVar(&opts.precache, "precache", false, "Fill the cache without writing output")
	flag.BoolVar(&opts.quiet, "q", false, "Hide the progress bar")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <uri>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	uri := flag.Arg(0)

	err := logger.InitLogging(*debug, filepath.Join(xdg.StateHome, "upstream", "upstream.log"))
	if err != nil {
		log.Fatalf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, uri, opts); err != nil {
		if datasource.IsCancellation(err) {
			logger.Infof("Interrupted: %v", err)
			os.Exit(130)
		}

		log.Fatalf("Error: %v\n", err)
	}
}

func run(ctx context.Context, cfg *config.Config, uri string, opts options) error {
	if opts.noCache {
		cfg.Cache.Disabled = true
	}

	if opts.rate > 0 {
		cfg.Throttle.BytesPerSecond = opts.rate
	}

	specOpts := []datasource.SpecOption{
		datasource.WithPosition(opts.offset),
		datasource.WithLength(opts.length),
	}
	if opts.key != "" {
		specOpts = append(specOpts, datasource.WithKey(opts.key))
	}

	spec, err := datasource.NewSpec(uri, specOpts...)
	if err != nil {
		return err
	}

	output := opts.output
	if output == "" {
		output = httpPkg.FilenameFromURL(uri)
	}

	progress := newProgressListener(filepath.Base(output), opts.quiet || output == "-")
	meter := transfer.NewMeter()

	p, err := pipeline.Build(cfg, progress, meter)
	if err != nil {
		return err
	}

	defer func() {
		if err := p.Close(); err != nil {
			logger.Errorf("Error closing cache: %v", err)
		}
	}()

	if spec.IsBounded() {
		progress.SetTotal(spec.Length)
	}

	var n int64

	switch {
	case opts.precache:
		n, err = p.Precache(ctx, spec)
	case opts.parallel > 0 && output != "-":
		n, err = loadParallel(ctx, p, spec, output, opts.parallel)
	default:
		n, err = copyTo(ctx, p.Factory, spec, output, progress)
	}

	progress.Finish()

	snap := meter.Snapshot()
	logger.Infof("Transferred %d bytes from %s in %d transfers (%d redirects), %d B/s",
		snap.Transferred, uri, snap.Transfers, snap.Redirects, snap.SpeedBPS)

	if err != nil {
		return err
	}

	if output != "-" && !opts.precache {
		fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", n, output)
	}

	return nil
}

func loadParallel(ctx context.Context, p *pipeline.Pipeline, spec datasource.Spec, output string, connections int) (int64, error) {
	f, err := os.Create(output)
	if err != nil {
		return 0, err
	}

	n, err := p.Loader(chunk.WithConnections(connections)).Load(ctx, spec, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	return n, err
}

// copyTo reads spec sequentially through a single Source.
func copyTo(ctx context.Context, factory datasource.Factory, spec datasource.Spec, output string, progress *progressListener) (int64, error) {
	src := factory.Create()
	defer datasource.CloseQuietly(src, spec.URI)

	length, err := src.Open(ctx, spec)
	if err != nil {
		return 0, err
	}

	progress.SetTotal(length)

	var w io.Writer = os.Stdout

	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return 0, err
		}
		defer f.Close()

		w = f
	}

	buf := make([]byte, copyBufferSize)

	var written int64

	for {
		n, err := src.Read(ctx, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, werr
			}

			written += int64(n)
		}

		if errors.Is(err, datasource.EndOfInput) {
			return written, nil
		}

		if err != nil {
			return written, err
		}
	}
}
