package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/demo"
	"golang.org/x/term"
)

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	mode := flag.Int("mode", 0, "instruction set width for the shell code (32 or 64)")
	base := flag.String("base", "", "load address the shell code is relocated to (e.g. 0x12345678)")
	autoWiden := flag.Bool("auto-widen", false, "start forward jumps short and widen them as needed")
	forceRex := flag.Bool("force-rex", false, "emit a REX prefix on every register or memory instruction")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	noRun := flag.Bool("no-run", false, "assemble the add function without executing it")
	color := flag.String("color", "", "color the hex dump (auto, always, never)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `jitdemo - assemble x86/x64 code in memory and run it

USAGE:
  jitdemo [flags]

FLAGS:
  -config FILE      Read settings from a YAML file; flags override it
  -mode 32|64       Shell code instruction set width (default: 64)
  -base ADDR        Load address for the shell code (default: 0x12345678)
  -auto-widen       Start forward jumps short and grow them when needed
  -force-rex        Emit a REX prefix on every register or memory instruction
  -log-level LEVEL  debug, info, warn or error (default: info)
  -no-run           Assemble the add function but do not execute it
  -color WHEN       auto, always or never (default: auto)

EXAMPLES:
  jitdemo                         Dump the x64 shell code and run add(1, 2)
  jitdemo -mode 32 -base 0x401000 Dump the x86 shell code at 0x401000
  jitdemo -auto-widen -log-level debug
`)
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Target.Mode = *mode
		case "auto-widen":
			cfg.Target.AutoWiden = *autoWiden
		case "force-rex":
			cfg.Target.ForceREX = *forceRex
		case "log-level":
			cfg.LogLevel = *logLevel
		case "color":
			cfg.Dump.Color = *color
		}
	})
	if *base != "" {
		addr, err := config.ParseAddress(*base)
		if err != nil {
			return fmt.Errorf("parse -base: %w", err)
		}
		cfg.Target.BaseAddress = config.NewAddress(addr)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	useColor := false
	switch cfg.Dump.Color {
	case "always":
		useColor = true
	case "auto":
		useColor = term.IsTerminal(int(os.Stdout.Fd()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	slog.Debug("starting demo",
		"mode", cfg.Target.Mode,
		"base", fmt.Sprintf("%#x", cfg.Target.Base()),
		"autoWiden", cfg.Target.AutoWiden,
		"forceRex", cfg.Target.ForceREX,
	)

	return demo.Run(ctx, cfg, os.Stdout, demo.Options{
		Color:  useColor,
		NoRun:  *noRun,
		Logger: logger,
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jitdemo: %v\n", err)
		os.Exit(1)
	}
}
