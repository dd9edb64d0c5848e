package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/simbridge/relay/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	Long:  `Query the running relay daemon and display its listener, uptime and connected device sessions.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is simbridged running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Listen:    %s\n", status.ListenAddr)
	fmt.Fprintf(os.Stdout, "Database:  %s\n", status.DatabasePath)
	fmt.Fprintf(os.Stdout, "Uptime:    %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "Sessions:  %d\n", len(status.Sessions))
	fmt.Println()

	if len(status.Sessions) == 0 {
		fmt.Println("No devices connected.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tKIND\tLAST INBOUND")
	for _, s := range status.Sessions {
		last := "-"
		if !s.LastInbound.IsZero() {
			last = formatDuration(time.Since(s.LastInbound)) + " ago"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.DeviceID, s.Kind, last)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
