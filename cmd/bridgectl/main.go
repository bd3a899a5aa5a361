package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/rs/zerolog"
)

type globalOptions struct {
	configPath     string
	configExplicit bool
	overridePath   string
	endpoint       string
	noReconnect    bool
	verbose        bool
}

type commandFunc func(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error

var commands = map[string]struct {
	run   commandFunc
	usage string
}{
	"tree":    {runTree, "tree [-json|-yaml] [address]    print the mirrored namespace"},
	"watch":   {runWatch, "watch [-json] [-no-color]        stream mirror notifications"},
	"ls":      {runList, "ls <filetype>                    list device files"},
	"cat":     {runCat, "cat <filetype> <filename>        write a device file to stdout"},
	"put":     {runPut, "put <filetype> <path> [name]     upload a local file"},
	"rm":      {runRemove, "rm <filetype> <filename>         delete a device file"},
	"set":     {runSet, "set <address> <value>...         send a value message"},
	"install": {runInstall, "install [-upload path] <package> install a device package"},
	"serve":   {runServe, "serve [-addr :9300]              status API with reconnect supervision"},
}

var errUsage = errors.New("usage")

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var opts globalOptions
	fs := flag.NewFlagSet("bridgectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "cmd/bridgectl/config.toml", "shared bridge config (TOML)")
	fs.StringVar(&opts.overridePath, "override", "", "local override file (TOML)")
	fs.StringVar(&opts.endpoint, "endpoint", "", "device WebSocket endpoint, overrides config")
	fs.BoolVar(&opts.noReconnect, "no-reconnect", false, "exit instead of reconnecting after connection loss")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging")
	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			opts.configExplicit = true
		}
	})
	if opts.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if fs.NArg() == 0 {
		usage(fs, stderr)
		return 2
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "bridgectl: unknown command %q\n", name)
		usage(fs, stderr)
		return 2
	}
	cfg, err := resolveConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "bridgectl: %v\n", err)
		return 1
	}
	if err := cmd.run(ctx, cfg, fs.Args()[1:], stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "usage: bridgectl %s\n", cmd.usage)
			return 2
		}
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintf(stderr, "bridgectl %s: %v\n", name, err)
		return 1
	}
	return 0
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "usage: bridgectl [flags] <command> [args]")
	fmt.Fprintln(w, "\ncommands:")
	for _, name := range []string{"tree", "watch", "ls", "cat", "put", "rm", "set", "install", "serve"} {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(w, "\nflags:")
	fs.PrintDefaults()
}
