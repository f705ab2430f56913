// Command szarc is a thin CLI over the szarc engine: create, resume,
// extract, list and test chunked archives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/pborman/getopt/v2"

	"github.com/tmreyno/szarc"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "create", "a":
		err = cmdCreate(ctx, args)
	case "resume", "r":
		err = cmdResume(ctx, args)
	case "extract", "x":
		err = cmdExtract(ctx, args)
	case "list", "l":
		err = cmdList(args)
	case "test", "t":
		err = cmdTest(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		logger.Errorf("unknown command %q", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		if szarc.KindOf(err) == szarc.KindCancelled {
			logger.Warn("interrupted; partial state kept for resume")
			os.Exit(130)
		}
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: szarc <command> [options] ...

  create  (a)  <archive> <input>...   build an archive
  resume  (r)  <archive> [checkpoint] continue an interrupted create
  extract (x)  <archive> <outdir>     restore all members
  list    (l)  <archive>              print the member table
  test    (t)  <archive>              verify every chunk and member

run 'szarc <command> --help' for per-command options
`)
}

type commonFlags struct {
	set      *getopt.Set
	password *string
	quiet    *bool
}

func newFlags(cmd string) *commonFlags {
	set := getopt.New()
	set.SetProgram("szarc " + cmd)
	return &commonFlags{
		set:      set,
		password: set.StringLong("password", 'p', "", "archive password"),
		quiet:    set.BoolLong("quiet", 'q', "suppress progress output"),
	}
}

func (f *commonFlags) parse(args []string) ([]string, error) {
	if err := f.set.Getopt(append([]string{"szarc"}, args...), nil); err != nil {
		f.set.PrintUsage(os.Stderr)
		return nil, err
	}
	return f.set.Args(), nil
}

func (f *commonFlags) sink(op string) szarc.ProgressSink {
	if *f.quiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return szarc.ProgressFunc(func(p szarc.Progress) {
			if p.Warning != "" {
				logger.Warn(p.Warning)
			}
		})
	}
	return szarc.ProgressFunc(func(p szarc.Progress) {
		if p.Warning != "" {
			fmt.Fprint(os.Stderr, "\r\033[K")
			logger.Warn(p.Warning)
			return
		}
		fmt.Fprintf(os.Stderr, "\r\033[K%s %d/%d entries  %s / %s",
			op, p.EntriesDone, p.EntriesTotal,
			humanize.IBytes(uint64(p.BytesDone)), humanize.IBytes(uint64(p.BytesTotal)))
		if p.Final {
			fmt.Fprintln(os.Stderr)
		}
	})
}

func cmdCreate(ctx context.Context, args []string) error {
	f := newFlags("create")
	levelName := f.set.StringLong("level", 'l', "normal", "store|fastest|fast|normal|maximum|ultra")
	codecName := f.set.StringLong("codec", 'c', "lzma", "lzma|zstd|lz4|store")
	splitStr := f.set.StringLong("split", 's', "", "max volume size, e.g. 700M (default: single volume)")
	chunkStr := f.set.StringLong("chunk", 'k', "", "chunk size, e.g. 64M")
	threads := f.set.IntLong("threads", 'T', 0, "compression workers (0 = auto)")
	solid := f.set.BoolLong("solid", 0, "let chunks span entries")

	rest, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return fmt.Errorf("create needs an archive path and at least one input")
	}

	level, err := parseLevel(*levelName)
	if err != nil {
		return err
	}
	cfg := szarc.StreamConfig{
		Threads:  *threads,
		Solid:    *solid,
		Password: *f.password,
		Codec:    *codecName,
	}
	if cfg.SplitSize, err = parseSize(*splitStr); err != nil {
		return err
	}
	var chunk int64
	if chunk, err = parseSize(*chunkStr); err != nil {
		return err
	}
	cfg.ChunkSize = int(chunk)

	eng, err := szarc.New(cfg)
	if err != nil {
		return err
	}
	if err := eng.Create(ctx, rest[0], rest[1:], level, f.sink("create")); err != nil {
		return err
	}
	logger.Infof("archive %s written", rest[0])
	return nil
}

func cmdResume(ctx context.Context, args []string) error {
	f := newFlags("resume")
	codecName := f.set.StringLong("codec", 'c', "lzma", "codec of the original run")
	chunkStr := f.set.StringLong("chunk", 'k', "", "chunk size of the original run")
	splitStr := f.set.StringLong("split", 's', "", "split size of the original run")
	threads := f.set.IntLong("threads", 'T', 0, "compression workers (0 = auto)")
	solid := f.set.BoolLong("solid", 0, "solid flag of the original run")

	rest, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("resume needs an archive path")
	}
	ckpt := ""
	if len(rest) > 1 {
		ckpt = rest[1]
	}

	cfg := szarc.StreamConfig{
		Threads:  *threads,
		Solid:    *solid,
		Password: *f.password,
		Codec:    *codecName,
	}
	if cfg.SplitSize, err = parseSize(*splitStr); err != nil {
		return err
	}
	var chunk int64
	if chunk, err = parseSize(*chunkStr); err != nil {
		return err
	}
	cfg.ChunkSize = int(chunk)

	eng, err := szarc.New(cfg)
	if err != nil {
		return err
	}
	if err := eng.Resume(ctx, rest[0], ckpt, f.sink("resume")); err != nil {
		return err
	}
	logger.Infof("archive %s completed", rest[0])
	return nil
}

func cmdExtract(ctx context.Context, args []string) error {
	f := newFlags("extract")
	rest, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf("extract needs an archive path and an output directory")
	}
	return szarc.Extract(ctx, rest[0], rest[1], *f.password, f.sink("extract"))
}

func cmdList(args []string) error {
	f := newFlags("list")
	rest, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("list needs an archive path")
	}

	entries, err := szarc.List(rest[0], *f.password)
	if err != nil {
		return err
	}
	var size, packed int64
	for _, e := range entries {
		kind := "-"
		if e.IsDirectory {
			kind = "d"
		}
		fmt.Printf("%s %12d %12d  %s  %s\n",
			kind, e.Size, e.PackedSize, e.ModTime.Format("2006-01-02 15:04:05"), e.Name)
		size += e.Size
		packed += e.PackedSize
	}
	fmt.Printf("%d entries, %s raw, %s packed\n",
		len(entries), humanize.IBytes(uint64(size)), humanize.IBytes(uint64(packed)))
	return nil
}

func cmdTest(ctx context.Context, args []string) error {
	f := newFlags("test")
	rest, err := f.parse(args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("test needs an archive path")
	}

	report, err := szarc.Test(ctx, rest[0], *f.password, f.sink("test"))
	if err != nil {
		return err
	}
	for _, finding := range report.Findings {
		logger.Error(finding.Error())
	}
	for _, e := range report.Entries {
		if !e.OK {
			logger.Errorf("bad: %s", e.Name)
		}
	}
	if !report.OK() {
		return fmt.Errorf("%d problem(s) found", len(report.Findings))
	}
	logger.Infof("%d entries verified clean", len(report.Entries))
	return nil
}

func parseLevel(name string) (szarc.Level, error) {
	switch name {
	case "store":
		return szarc.LevelStore, nil
	case "fastest":
		return szarc.LevelFastest, nil
	case "fast":
		return szarc.LevelFast, nil
	case "normal":
		return szarc.LevelNormal, nil
	case "maximum":
		return szarc.LevelMaximum, nil
	case "ultra":
		return szarc.LevelUltra, nil
	}
	return 0, fmt.Errorf("unknown level %q", name)
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return int64(v), nil
}
