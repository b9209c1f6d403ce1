// Command tinyfs inspects and manipulates a local tinyfs data directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/tinygame/tinyfs/internal/cache"
	"github.com/tinygame/tinyfs/internal/config"
	"github.com/tinygame/tinyfs/internal/logging"
	"github.com/tinygame/tinyfs/internal/metrics"
	"github.com/tinygame/tinyfs/internal/platform"
	"github.com/tinygame/tinyfs/internal/subpackage"
	"github.com/tinygame/tinyfs/internal/vfs"
	"github.com/tinygame/tinyfs/internal/vpath"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var maxSize string
	var recursive bool
	flagSet := pflag.NewFlagSet("tinyfs", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	flagSet.StringVar(&cfg.Platform, "platform", cfg.Platform, "platform (dev, web)")
	flagSet.StringVar(&maxSize, "max-size", "", "cache budget, e.g. 200MB (default from TINYFS_MAX_SIZE)")
	flagSet.StringVar(&cfg.CacheRoot, "root", cfg.CacheRoot, "cache root")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve prometheus metrics on this address")
	flagSet.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "log cache diagnostics")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printUsage(stdout, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(stdout, flagSet)
		return nil
	}
	if maxSize != "" {
		n, err := humanize.ParseBytes(maxSize)
		if err != nil {
			return fmt.Errorf("--max-size: %w", err)
		}
		cfg.MaxSize = int64(n)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stdout, flagSet)
		return errors.New("no command given")
	}
	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "help" {
		printUsage(stdout, flagSet)
		return nil
	}
	if cmd == "ls" {
		sub := pflag.NewFlagSet("ls", pflag.ContinueOnError)
		sub.BoolVarP(&recursive, "recursive", "r", false, "list files below subdirectories")
		if err := sub.Parse(cmdArgs); err != nil {
			return err
		}
		cmdArgs = sub.Args()
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stderr",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	p, err := platform.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(context.Background()); err != nil {
			logging.Warn("close platform", logging.Err(err))
		}
	}()

	c := &commands{cfg: cfg, p: p, stdin: stdin, out: stdout}
	switch cmd {
	case "write", "put":
		return c.write(ctx, cmdArgs)
	case "read", "cat":
		return c.read(ctx, cmdArgs)
	case "ls", "list":
		return c.list(ctx, cmdArgs, recursive)
	case "stat":
		return c.stat(ctx, cmdArgs)
	case "rm":
		return c.remove(ctx, cmdArgs)
	case "clear":
		return c.clear(ctx)
	case "status", "stats":
		return c.status()
	case "load":
		return c.load(ctx, cmdArgs)
	default:
		printUsage(stdout, flagSet)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintln(w, `tinyfs: size-limited game file system

Usage: tinyfs [flags] <command> [args]

Commands:
  write <path> [file]   Write file (or stdin) into the cache
  read <path>           Print a file; relative paths are game content
  ls [-r] <dir>         List a directory
  stat <path>           Show size and type of a path
  rm <path>             Remove a cached file
  clear                 Remove every non-retained cached file
  status                Show budget usage and cached files by recency
  load <bundle>         Fetch a subpackage now

Flags:`)
	fmt.Fprint(w, flagSet.FlagUsages())
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logging.Info("metrics listening", logging.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("metrics server", logging.Err(err))
	}
}

type commands struct {
	cfg   *config.Config
	p     *platform.Platform
	stdin io.Reader
	out   io.Writer
}

// fsFor routes cache paths to the writable FS and the rest to game content.
func (c *commands) fsFor(p string) vfs.ReadonlyFileSystem {
	if vpath.Within(vpath.Normalize(p), c.cfg.CacheRoot) {
		return c.p.FS.Writable
	}
	return c.p.FS.Readonly
}

func (c *commands) write(ctx context.Context, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return errors.New("usage: tinyfs write <path> [file]")
	}
	src := c.stdin
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}

	dst := args[0]
	if dir := vpath.Dirname(dst); dir != "" {
		if err := c.p.FS.Writable.Mkdir(ctx, dir, true); err != nil {
			return err
		}
	}
	if err := c.p.FS.Writable.WriteFile(ctx, dst, data, vfs.Binary); err != nil {
		var space *cache.SpaceError
		if errors.As(err, &space) {
			return fmt.Errorf("%w (try a larger --max-size)", err)
		}
		return err
	}
	fmt.Fprintf(c.out, "Wrote %s (%s)\n", dst, humanize.Bytes(uint64(len(data))))
	return nil
}

func (c *commands) read(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tinyfs read <path>")
	}
	data, err := c.fsFor(args[0]).ReadFile(ctx, args[0], vfs.Binary)
	if err != nil {
		return err
	}
	_, err = c.out.Write(data)
	return err
}

func (c *commands) list(ctx context.Context, args []string, recursive bool) error {
	dir := c.cfg.CacheRoot
	if len(args) > 0 {
		dir = args[0]
	}
	fs := c.fsFor(dir)
	if recursive {
		files, err := vfs.ListFiles(ctx, fs, dir, true)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(c.out, f)
		}
		return nil
	}
	names, err := fs.Readdir(ctx, dir)
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintln(c.out, n)
	}
	return nil
}

func (c *commands) stat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tinyfs stat <path>")
	}
	st, err := c.fsFor(args[0]).Stat(ctx, args[0])
	if err != nil {
		return err
	}
	kind := "file"
	if st.IsDirectory() {
		kind = "directory"
	}
	fmt.Fprintf(c.out, "Path:     %s\n", args[0])
	fmt.Fprintf(c.out, "Type:     %s\n", kind)
	fmt.Fprintf(c.out, "Size:     %s\n", humanize.Bytes(uint64(st.Size)))
	if !st.ModTime.IsZero() {
		fmt.Fprintf(c.out, "Modified: %s\n", st.ModTime.Format(time.RFC3339))
	}
	return nil
}

func (c *commands) remove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tinyfs rm <path>")
	}
	if err := c.p.FS.Writable.Unlink(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Removed: %s\n", args[0])
	return nil
}

func (c *commands) clear(ctx context.Context) error {
	before := c.p.Cache.UsedSize()
	if err := c.p.Cache.Clear(ctx); err != nil {
		return err
	}
	freed := before - c.p.Cache.UsedSize()
	fmt.Fprintf(c.out, "Cleared %s from %s\n", humanize.Bytes(uint64(max(freed, 0))), c.cfg.CacheRoot)
	return nil
}

func (c *commands) status() error {
	opts := c.p.Cache.Options()
	used := c.p.Cache.UsedSize()
	manifest := c.p.Cache.Manifest()

	type row struct {
		path string
		meta cache.FileMeta
	}
	var rows []row
	for p, m := range manifest {
		if p == cache.ReservedID || p == opts.MetaFile {
			continue
		}
		rows = append(rows, row{p, m})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].meta.AccessTime > rows[j].meta.AccessTime
	})

	fmt.Fprintln(c.out, "Cache Status")
	fmt.Fprintln(c.out, "------------")
	fmt.Fprintf(c.out, "Platform:   %s\n", c.p.Type)
	fmt.Fprintf(c.out, "Root:       %s\n", opts.Root)
	fmt.Fprintf(c.out, "Files:      %d\n", len(rows))
	fmt.Fprintf(c.out, "Used:       %s\n", humanize.Bytes(uint64(used)))
	fmt.Fprintf(c.out, "Max:        %s\n", humanize.Bytes(uint64(opts.MaxSize)))
	fmt.Fprintf(c.out, "Available:  %s\n", humanize.Bytes(uint64(max(c.p.Cache.AvailableSize(), 0))))
	fmt.Fprintf(c.out, "Usage:      %.1f%%\n", float64(used)/float64(opts.MaxSize)*100)
	if len(rows) == 0 {
		return nil
	}

	fmt.Fprintln(c.out)
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSIZE\tLAST ACCESS")
	fmt.Fprintln(w, "----\t----\t-----------")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			r.path,
			humanize.Bytes(uint64(r.meta.Size)),
			humanize.Time(time.UnixMilli(r.meta.AccessTime)))
	}
	return w.Flush()
}

func (c *commands) load(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tinyfs load <bundle>")
	}
	var desc subpackage.Descriptor
	for _, d := range c.cfg.Packages.Subpackages {
		if d.Name == args[0] {
			desc = d
		}
	}
	if desc.Name == "" {
		return fmt.Errorf("unknown subpackage %q (set TINYFS_SUBPACKAGES_FILE)", args[0])
	}

	start := time.Now()
	err := c.p.Registry.Ensure(ctx, desc, func(current, total int64) {
		fmt.Fprintf(c.out, "\r%s: %s / %s", desc.Name,
			humanize.Bytes(uint64(current)), humanize.Bytes(uint64(total)))
	})
	fmt.Fprintln(c.out)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Loaded %s in %s\n", desc.Name, time.Since(start).Round(time.Millisecond))
	return nil
}
