// Package ui renders a running torrent.Client's state to a terminal,
// replacing the teacher's Wails-bound bridge (there is no webview;
// spec.md §6 describes a plain CLI, not a desktop app).
package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/prxssh/rabbit/internal/torrent"
)

const barWidth = 30

// Renderer redraws one torrent's progress, peers and rates on a fixed
// tick, using ANSI cursor movement to repaint in place rather than
// scrolling the terminal.
type Renderer struct {
	client    *torrent.Client
	infoHash  string
	out       io.Writer
	refresh   time.Duration
	lastLines int
}

func NewRenderer(client *torrent.Client, infoHash string, out io.Writer) *Renderer {
	return &Renderer{
		client:   client,
		infoHash: infoHash,
		out:      out,
		refresh:  500 * time.Millisecond,
	}
}

// Run redraws until ctx is cancelled or the torrent disappears from
// the client (removed or finished and torn down).
func (r *Renderer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := r.client.GetTorrentStats(r.infoHash)
			if stats == nil {
				return
			}
			r.draw(stats)
		}
	}
}

func (r *Renderer) draw(stats *torrent.Stats) {
	if r.lastLines > 0 {
		fmt.Fprintf(r.out, "\x1b[%dA\x1b[J", r.lastLines)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s\n",
		color.New(color.FgCyan, color.Bold).Sprint("progress"),
		progressBar(stats.Progress),
	)
	fmt.Fprintf(&b, "%s   %s/s    %s   %s/s\n",
		color.New(color.FgGreen).Sprint("down"), humanize.Bytes(stats.DownloadRate),
		color.New(color.FgYellow).Sprint("up"), humanize.Bytes(stats.UploadRate),
	)
	fmt.Fprintf(&b, "%s  %d connected, %d unchoked, %d interested\n",
		color.New(color.FgMagenta).Sprint("peers"),
		stats.TotalPeers, stats.UnchokedPeers, stats.InterestedPeers,
	)
	fmt.Fprintf(&b, "%s %s downloaded, %s uploaded\n",
		color.New(color.FgBlue).Sprint("total"),
		humanize.Bytes(stats.TotalDownloaded), humanize.Bytes(stats.TotalUploaded),
	)
	fmt.Fprintf(&b, "%s %d/%d announced, %d seeders, %d leechers\n",
		color.New(color.FgHiBlack).Sprint("tracker"),
		stats.SuccessfulAnnounces, stats.TotalAnnounces,
		stats.CurrentSeeders, stats.CurrentLeechers,
	)

	out := b.String()
	r.lastLines = strings.Count(out, "\n")
	fmt.Fprint(r.out, out)
}

func progressBar(pct float64) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	filled := int(pct / 100 * barWidth)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	return fmt.Sprintf("[%s] %5.1f%%", color.New(color.FgGreen).Sprint(bar), pct)
}
