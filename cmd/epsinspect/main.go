// epsinspect prints the headers of the epsilon streams stored in files.
// A file may hold several streams written back to back; each one is
// listed with its type name, format version, fingerprint, layout hash and
// size.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rawbytedev/epsilon/internal/config"
	"github.com/rawbytedev/epsilon/internal/logging"
	"github.com/rawbytedev/epsilon/pkg/mem"
	"github.com/rawbytedev/epsilon/pkg/typehash"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		mode       string
		format     string
		hugePages  bool
		thp        bool
		populate   bool
		fpFilter   string
		logLevel   string
		jobs       int
	)
	flagSet := pflag.NewFlagSet("epsinspect", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv(config.EnvConfig), "YAML, TOML or JSONC configuration file")
	flagSet.StringVar(&mode, "mode", "", "how files are read: mmap, mem, anon or full (streamed) (default from config)")
	flagSet.StringVar(&format, "format", "text", "output format: text or json")
	flagSet.StringVar(&fpFilter, "fingerprint", "", "only list streams with this type fingerprint (hex)")
	flagSet.BoolVar(&hugePages, "huge-pages", false, "back mappings with explicit huge pages")
	flagSet.BoolVar(&thp, "thp", false, "advise transparent huge pages for mappings")
	flagSet.BoolVar(&populate, "populate", false, "prefault mappings")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	flagSet.IntVarP(&jobs, "jobs", "j", runtime.NumCPU(), "files inspected in parallel")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	files := flagSet.Args()
	if len(files) == 0 {
		printHelp(flagSet)
		return errors.New("no input files")
	}
	if format != "text" && format != "json" {
		return fmt.Errorf("unknown format %q", format)
	}
	if jobs < 1 {
		return fmt.Errorf("--jobs must be at least 1, got %d", jobs)
	}
	var filter *typehash.Fingerprint
	if fpFilter != "" {
		fp, err := typehash.Parse(fpFilter)
		if err != nil {
			return fmt.Errorf("--fingerprint: %w", err)
		}
		filter = &fp
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Load.Mode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	cfg.Load.HugePages = cfg.Load.HugePages || hugePages
	cfg.Load.TransparentHugePages = cfg.Load.TransparentHugePages || thp
	cfg.Load.Populate = cfg.Load.Populate || populate
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.Configure(cfg.Log, os.Stderr)
	if cfg.Log.NoColor {
		color.NoColor = true
	}
	flags, err := cfg.Load.MapFlags()
	if err != nil {
		return err
	}

	// Files are inspected concurrently; each report is buffered and
	// printed in argument order.
	reports := make([]bytes.Buffer, len(files))
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(jobs)
	for i, path := range files {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := inspectFile(&reports[i], path, cfg.Load.Mode, flags, format, filter); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			return nil
		})
	}
	err = g.Wait()
	for i := range reports {
		if _, werr := reports[i].WriteTo(os.Stdout); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}

func inspectFile(w *bytes.Buffer, path, mode string, flags mem.Flags, format string, filter *typehash.Fingerprint) error {
	var (
		streams []stream
		walkErr error
	)
	if mode == config.ModeFull {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		streams, walkErr = walkReader(f)
	} else {
		b, err := open(path, mode, flags)
		if err != nil {
			return err
		}
		defer b.Close()
		logging.L().Info().
			Str("file", path).
			Str("backend", b.Kind().String()).
			Str("size", humanize.IBytes(uint64(b.Len()))).
			Int("align", b.Align()).
			Msg("opened")
		streams, walkErr = walk(b.Bytes())
	}
	if filter != nil {
		streams = only(streams, *filter)
	}

	var err error
	if format == "json" {
		err = printJSON(w, path, streams)
	} else {
		err = printText(w, path, streams)
	}
	return errors.Join(walkErr, err)
}

func open(path, mode string, flags mem.Flags) (mem.Backend, error) {
	switch mode {
	case config.ModeMmap:
		return mem.MapFile(path, flags)
	case config.ModeAnon:
		return mem.ReadFile(path, flags)
	default:
		return mem.LoadFile(path)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `epsinspect lists the epsilon streams stored in files.

Usage:
  epsinspect [flags] FILE...

Flags:
%s`, flagSet.FlagUsages())
}
