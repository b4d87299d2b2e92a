package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/rerror"
	"github.com/prxssh/rabbit/internal/torrent"
	"github.com/prxssh/rabbit/internal/ui"
	"github.com/prxssh/rabbit/pkg/logging"
)

// Exit codes (spec.md §6): 0 clean shutdown, 1 fatal configuration
// error, 2 I/O error reading the torrent file, -1 an unhandled
// exception caught at the top of main.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitTorrentFileIO = 2
	exitUnhandled     = -1
)

func main() {
	setupLogger()

	port := flag.String("port", "6881-6889", "listening port range, A-B")
	ip := flag.String("ip", "", "IP address, a.b.c.d (checked for form only; not sent to trackers or peers)")
	flag.Parse()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("unhandled panic", "panic", r)
			os.Stderr.Write(debug.Stack())
			os.Exit(exitUnhandled)
		}
	}()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: rabbit [--port=A-B] [--ip=a.b.c.d] <torrent-file>")
		os.Exit(exitConfigError)
	}
	torrentPath := flag.Arg(0)

	cfg, err := buildConfig(*port, *ip)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(exitConfigError)
	}
	config.Set(cfg)

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		slog.Error("failed to read torrent file", "path", torrentPath, "error", err)
		os.Exit(exitTorrentFileIO)
	}

	client, err := torrent.NewClient()
	if err != nil {
		slog.Error("failed to initialize client", "error", err)
		os.Exit(exitConfigError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	client.Startup(ctx)

	t, err := client.AddTorrent(data, nil)
	if err != nil {
		var input *rerror.Input
		if errors.As(err, &input) {
			slog.Error("invalid torrent file", "path", torrentPath, "error", err)
			os.Exit(exitTorrentFileIO)
		}
		slog.Error("failed to add torrent", "error", err)
		os.Exit(exitConfigError)
	}

	infoHashHex := fmt.Sprintf("%x", t.Metainfo.InfoHash)
	renderer := ui.NewRenderer(client, infoHashHex, os.Stdout)
	renderer.Run(ctx)

	os.Exit(exitOK)
}

// buildConfig starts from internal/config's defaults and overlays the
// CLI's --port flag (spec.md §6). --ip is only checked for a dotted-quad
// form; it is not stored in the config.
func buildConfig(portRange, ip string) (*config.Config, error) {
	cfg := *config.Load()

	low, _, err := parsePortRange(portRange)
	if err != nil {
		return nil, rerror.NewInput("port", portRange, err)
	}
	cfg.Port = low

	if ip != "" {
		if dots := strings.Count(ip, "."); dots != 3 {
			return nil, rerror.NewInput("ip", ip, fmt.Errorf("not a dotted-quad address"))
		}
	}

	return &cfg, nil
}

// parsePortRange parses "A-B" into its bounds (spec.md §6: "listening
// port range"). The CLI currently advertises the low bound as the
// single listening port; binding across the full range is left to a
// future inbound-listener component.
func parsePortRange(s string) (low, high uint16, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected A-B, got %q", s)
	}

	lo, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid low port %q: %w", parts[0], err)
	}
	hi, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid high port %q: %w", parts[1], err)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("low port %d exceeds high port %d", lo, hi)
	}

	return uint16(lo), uint16(hi), nil
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
