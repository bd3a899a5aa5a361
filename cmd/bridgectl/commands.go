package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/bridge"
	"github.com/danmuck/edgelink/internal/command"
	"github.com/danmuck/edgelink/internal/mirror"
	"github.com/danmuck/edgelink/internal/protocol/osc"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/server"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func newBridge(cfg cliConfig) (*bridge.Bridge, error) {
	return bridge.New(bridge.Config{
		Session: cfg.Session,
		Dialer: transport.WebsocketDialer{
			HandshakeTimeout: cfg.Session.ConnectTimeout,
			WriteTimeout:     cfg.Session.WriteTimeout,
			ReadLimit:        int64(cfg.Session.Limits.MaxTextBytes),
		},
	})
}

// connect opens a bridge for a one-shot command.
func connect(ctx context.Context, cfg cliConfig) (*bridge.Bridge, error) {
	b, err := newBridge(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx, cfg.Endpoint); err != nil {
		return nil, err
	}
	return b, nil
}

// supervise keeps b connected until ctx ends. Without reconnect the first
// failure is returned.
func supervise(ctx context.Context, b *bridge.Bridge, endpoint string, backoff session.BackoffConfig, reconnect bool) error {
	retrier := session.NewRetrier(backoff)
	for {
		err := b.Connect(ctx, endpoint)
		if err == nil {
			retrier.Reset()
			select {
			case <-ctx.Done():
				return b.Close()
			case <-b.Done():
			}
			err = b.Err()
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("connection lost")
		} else if ctx.Err() == nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", retrier.Attempt()).Msg("connect failed")
		}
		if ctx.Err() != nil {
			return nil
		}
		if !reconnect {
			if err == nil {
				err = bridge.ErrNotOpen
			}
			return err
		}
		if err := retrier.Wait(ctx); err != nil {
			return nil
		}
		log.Info().Str("endpoint", endpoint).Int("attempt", retrier.Attempt()).Msg("reconnecting")
	}
}

func runTree(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("tree", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	asYAML := fs.Bool("yaml", false, "print YAML")
	if err := fs.Parse(args); err != nil || fs.NArg() > 1 || (*asJSON && *asYAML) {
		return errUsage
	}
	addr := mirror.Root
	if fs.NArg() == 1 {
		addr = fs.Arg(0)
	}
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	node, ok := b.Lookup(addr)
	if !ok {
		return fmt.Errorf("no node at %s", addr)
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(node)
	}
	if *asYAML {
		return writeYAML(stdout, node)
	}
	newPrinter(stdout, colorEnabled(stdout, false)).tree(node)
	return nil
}

func runWatch(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print one JSON object per notification")
	noColor := fs.Bool("no-color", false, "disable colored output")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}
	b, err := newBridge(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervise(gctx, b, cfg.Endpoint, cfg.Session.Backoff, cfg.Reconnect)
	})
	g.Go(func() error {
		p := newPrinter(stdout, colorEnabled(stdout, *noColor))
		enc := json.NewEncoder(stdout)
		for {
			n, err := b.Notifications().Next(gctx)
			if err != nil {
				return nil
			}
			if *asJSON {
				if err := enc.Encode(viewOf(n)); err != nil {
					return err
				}
				continue
			}
			p.notification(n)
		}
	})
	return g.Wait()
}

func runList(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	names, err := b.ListFiles(ctx, args[0])
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(stdout, name)
	}
	return nil
}

func runCat(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return errUsage
	}
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	data, err := b.ReadFile(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}

func runPut(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error {
	if len(args) < 2 || len(args) > 3 {
		return errUsage
	}
	filetype, path := args[0], args[1]
	name := filepath.Base(path)
	if len(args) == 3 {
		name = args[2]
	}
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return upload(ctx, b, filetype, path, name, stdout)
}

func upload(ctx context.Context, b *bridge.Bridge, filetype, path, name string, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	err = b.WriteFile(ctx, filetype, name, f, info.Size(), func(p command.Progress) {
		fmt.Fprintf(os.Stderr, "\r%s: %5.1f%% (%d/%d bytes)", name, p.Percent, p.BytesSent, p.Total)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "uploaded %s/%s (%d bytes)\n", filetype, name, info.Size())
	return nil
}

func runRemove(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return errUsage
	}
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.DeleteFile(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted %s/%s\n", args[0], args[1])
	return nil
}

func runSet(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	addr := mirror.Clean(args[0])
	var tags string
	if node, ok := b.Lookup(addr); ok {
		if node.IsContainer() {
			return fmt.Errorf("%s is a container", addr)
		}
		tags = node.Type
	}
	values, err := parseArgs(args[1:], tags)
	if err != nil {
		return err
	}
	if err := b.SendValue(ctx, addr, values...); err != nil {
		return err
	}
	// a describe round trip orders after the value, so the device has it
	// before the socket closes
	if _, err := b.Query(ctx, addr); err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("post-set query failed")
	}
	fmt.Fprintf(stdout, "%s <- %s\n", addr, strings.Join(args[1:], " "))
	return nil
}

// parseArgs turns command line words into value arguments, coerced to the
// node's type tags where known.
func parseArgs(words []string, tags string) ([]osc.Arg, error) {
	out := make([]osc.Arg, 0, len(words))
	for i, w := range words {
		v := parseWord(w)
		var (
			arg osc.Arg
			err error
		)
		if i < len(tags) {
			arg, err = osc.Coerce(tags[i], v)
		} else {
			arg, err = osc.FromAny(v)
		}
		if err != nil {
			return nil, fmt.Errorf("value %d (%q): %w", i, w, err)
		}
		out = append(out, arg)
	}
	return out, nil
}

func parseWord(w string) any {
	if i, err := strconv.ParseInt(w, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(w, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(w); err == nil {
		return b
	}
	return w
}

func runInstall(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	uploadPath := fs.String("upload", "", "upload this local package before installing")
	if err := fs.Parse(args); err != nil || fs.NArg() > 1 {
		return errUsage
	}
	name := fs.Arg(0)
	if name == "" && *uploadPath != "" {
		name = filepath.Base(*uploadPath)
	}
	if name == "" {
		return errUsage
	}
	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	if *uploadPath != "" {
		if err := upload(ctx, b, "package", *uploadPath, name, stdout); err != nil {
			return err
		}
	}
	err = b.InstallPackage(ctx, name, func(p float64) {
		fmt.Fprintf(os.Stderr, "\rinstalling %s: %5.1f%%", name, p)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "installed %s\n", name)
	return nil
}

func runServe(ctx context.Context, cfg cliConfig, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", cfg.Addr, "status API listen address")
	id := fs.String("id", "bridgectl", "server id for logs and metrics")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}
	b, err := newBridge(cfg)
	if err != nil {
		return err
	}
	srv := server.New(*id, *addr, b, cfg.CorsOrigins)
	if cfg.APIToken != "" {
		srv.RequireToken(auth.StaticTokens{cfg.APIToken})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervise(gctx, b, cfg.Endpoint, cfg.Session.Backoff, cfg.Reconnect)
	})
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	return g.Wait()
}
