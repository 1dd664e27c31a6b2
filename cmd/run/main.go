package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/wasm-machine/coredump"
	"github.com/wippyai/wasm-machine/devicetree"
	"github.com/wippyai/wasm-machine/engine"
	"github.com/wippyai/wasm-machine/machine"
)

type flags struct {
	cmdline     string
	memoryMiB   uint
	cpus        uint
	debug       bool
	wait        bool
	coreDump    string
	dumpDT      bool
	interactive bool
	logLevel    string
}

func parseFlags(args []string, stderr io.Writer) (*flags, []string, error) {
	f := &flags{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&f.cmdline, "c", machine.DefaultCmdline, "kernel command line")
	fs.StringVar(&f.cmdline, "cmdline", machine.DefaultCmdline, "kernel command line")
	fs.UintVar(&f.memoryMiB, "m", machine.DefaultMemoryMiB, "memory size in MiB")
	fs.UintVar(&f.memoryMiB, "memory", machine.DefaultMemoryMiB, "memory size in MiB")
	fs.UintVar(&f.cpus, "j", 0, "number of CPUs (default: host CPU count)")
	fs.UintVar(&f.cpus, "cpus", 0, "number of CPUs (default: host CPU count)")
	fs.BoolVar(&f.debug, "d", false, "debug mode: no optimization, core dump on trap")
	fs.BoolVar(&f.debug, "debug", false, "debug mode: no optimization, core dump on trap")
	fs.BoolVar(&f.wait, "wait", false, "wait for every context before exiting")
	fs.StringVar(&f.coreDump, "coredump", coredump.DefaultPath, "core dump path")
	fs.BoolVar(&f.dumpDT, "dump-dt", false, "print the hardware description and exit")
	fs.BoolVar(&f.interactive, "i", false, "interactive monitor")
	fs.StringVar(&f.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: run [flags] <module.wasm> <sections.json>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return nil, nil, fmt.Errorf("expected module and sections arguments, got %d", fs.NArg())
	}
	if f.memoryMiB == 0 || f.memoryMiB > machine.MaxMemoryMiB {
		return nil, nil, fmt.Errorf("memory must be between 1 and %d MiB", machine.MaxMemoryMiB)
	}
	return f, fs.Args(), nil
}

func newLogger(level string, w zapcore.WriteSyncer, color bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), w, lvl)
	return zap.New(core), nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, pos, err := parseFlags(args, os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger, err := newLogger(f.logLevel, zapcore.Lock(os.Stderr), isTerminal(os.Stderr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	engine.SetLogger(logger.Named("engine"))

	sections, err := machine.LoadSections(pos[1])
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}

	opts := machine.Options{
		ModulePath:   pos[0],
		Sections:     sections,
		Cmdline:      f.cmdline,
		MemoryMiB:    uint32(f.memoryMiB),
		CPUs:         uint32(f.cpus),
		Debug:        f.debug,
		CoreDumpPath: f.coreDump,
		Wait:         f.wait,
		Console:      os.Stdout,
		Logger:       logger,
		Exit: func(code int) {
			_ = logger.Sync()
			os.Exit(code)
		},
	}

	if f.dumpDT {
		return dumpDeviceTree(opts, os.Stdout, logger)
	}

	if f.interactive {
		if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
			logger.Error("interactive mode requires a terminal")
			return 1
		}
		code, err := runInteractive(opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return code
	}

	if err := machine.Boot(context.Background(), opts); err != nil {
		logger.Error("boot failed", zap.Error(err))
		return 1
	}
	return 0
}

func dumpDeviceTree(opts machine.Options, w io.Writer, logger *zap.Logger) int {
	blob, err := opts.Hardware()
	if err != nil {
		logger.Error("build hardware description", zap.Error(err))
		return 1
	}
	tree, err := devicetree.Parse(blob)
	if err != nil {
		logger.Error("decode hardware description", zap.Error(err))
		return 1
	}
	if err := devicetree.Format(w, tree); err != nil {
		logger.Error("print hardware description", zap.Error(err))
		return 1
	}
	return 0
}
