// Command botcore-top is a terminal dashboard over the admin REST API,
// polling fleet status on an interval and rendering it full-screen when
// attached to a terminal, or dumping a single snapshot otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "botcored admin API base URL")
	token := flag.String("token", os.Getenv("ADMIN_TOKEN"), "admin API bearer token")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "botcore-top: -token or ADMIN_TOKEN must be set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newAPIClient(strings.TrimSuffix(*addr, "/"), *token)

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("BOTCORE_TOP_NO_TUI") == ""
	if !interactive {
		runOnce(ctx, client)
		return
	}

	p := tea.NewProgram(newModel(ctx, client), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "botcore-top:", err)
		os.Exit(1)
	}
}

// runOnce prints a single plain-text snapshot for non-interactive contexts
// (piped output, cron, CI) where a full-screen program can't attach.
func runOnce(ctx context.Context, client *apiClient) {
	snap := client.Snapshot(ctx)
	if snap.err != nil {
		fmt.Fprintln(os.Stderr, "botcore-top:", snap.err)
		os.Exit(1)
	}

	fmt.Printf("config_fingerprint=%s active_instances=%d uptime_seconds=%d\n",
		snap.status.ConfigFingerprint, snap.status.ActiveInstanceCount, snap.status.UptimeSeconds)

	for _, fb := range snap.bots {
		fmt.Printf("%s (%s) adapter=%s capabilities=%s\n",
			fb.summary.Name, fb.summary.BotID, fb.summary.AdapterType, strings.Join(fb.summary.DeclaredCapabilities, ","))
		for _, inst := range fb.instances {
			fmt.Printf("  - %s caps=%s connected_at=%s last_heartbeat_at=%s\n",
				inst.InstanceID, strings.Join(inst.RuntimeCapabilities, ","), inst.ConnectedAt, inst.LastHeartbeatAt)
		}
	}
}
