package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"geofencing/internal/app"
	"geofencing/internal/clock"
	"geofencing/internal/config"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type cliFlags struct {
	configFile string
	configDir  string
	json       bool
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err.Error())
		os.Exit(1)
	}
}

// newRootCmd builds command tree for the geofencing binary.
// Params: output writer for plan/status commands.
// Returns: root cobra command.
func newRootCmd(out io.Writer) *cobra.Command {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:           "geofencing",
		Short:         "Geofence monitoring and event reporting engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config-file", "", "path to one TOML config file")
	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "path to directory with TOML config fragments")
	root.PersistentFlags().BoolVar(&flags.json, "json", false, "output JSON")

	root.AddCommand(runCmd(flags), planCmd(flags, out), statusCmd(flags, out))
	return root
}

func runCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine with HTTP, NATS, and MQTT ingest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := config.FromCLI(flags.configFile, flags.configDir)
			if err != nil {
				return err
			}
			service, err := app.NewService(cmd.Context(), source, clock.RealClock{})
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}
			if err := service.Run(cmd.Context()); err != nil {
				return fmt.Errorf("service run failed: %w", err)
			}
			return nil
		},
	}
}

func planCmd(flags *cliFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print regions to arm and the next wake instants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, err := inspect(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(out, snapshot.Plan)
			}
			renderPlan(out, snapshot)
			return nil
		},
	}
}

func statusCmd(flags *cliFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print campaign status sets and pending reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, err := inspect(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(out, map[string]any{
					"finished":  snapshot.Finished,
					"suspended": snapshot.Suspended,
					"pending":   snapshot.Pending,
				})
			}
			renderStatus(out, snapshot)
			return nil
		},
	}
}

func inspect(ctx context.Context, flags *cliFlags) (app.Snapshot, error) {
	source, err := config.FromCLI(flags.configFile, flags.configDir)
	if err != nil {
		return app.Snapshot{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return app.Inspect(ctx, source, clock.RealClock{})
}

// renderPlan prints armed regions followed by wake instants.
func renderPlan(out io.Writer, snapshot app.Snapshot) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Area", "Title", "Lat", "Lon", "Radius (m)", "Expires"})
	for _, region := range snapshot.Plan.Regions {
		tw.AppendRow(table.Row{
			region.Area.ID,
			region.Area.Title,
			fmt.Sprintf("%.6f", region.Area.Lat),
			fmt.Sprintf("%.6f", region.Area.Lon),
			region.Area.RadiusMeters,
			formatOptional(region.ExpiresAt),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "Regions", len(snapshot.Plan.Regions)})
	tw.Render()

	_, _ = fmt.Fprintf(out, "next window open:  %s\n", formatOptional(snapshot.Plan.NextWindowOpenAt))
	_, _ = fmt.Fprintf(out, "next window close: %s\n", formatOptional(snapshot.Plan.NextWindowCloseAt))
}

// renderStatus prints known campaigns with their server status and the pending queue.
func renderStatus(out io.Writer, snapshot app.Snapshot) {
	finished := toSet(snapshot.Finished)
	suspended := toSet(snapshot.Suspended)

	campaigns := table.NewWriter()
	campaigns.SetOutputMirror(out)
	campaigns.AppendHeader(table.Row{"Campaign", "Message", "Areas", "Status"})
	for _, campaign := range snapshot.Campaigns {
		state := "active"
		switch {
		case finished[campaign.ID]:
			state = "finished"
		case suspended[campaign.ID]:
			state = "suspended"
		}
		campaigns.AppendRow(table.Row{campaign.ID, campaign.SignalingMessageID, len(campaign.Areas), state})
	}
	campaigns.Render()

	pending := table.NewWriter()
	pending.SetOutputMirror(out)
	pending.AppendHeader(table.Row{"Local ID", "Campaign", "Event", "Area", "Occurred"})
	for _, report := range snapshot.Pending {
		pending.AppendRow(table.Row{report.LocalID, report.CampaignID, report.Event, report.Area.ID, report.OccurredAt.Format(time.RFC3339)})
	}
	pending.AppendFooter(table.Row{"", "", "", "Pending", len(snapshot.Pending)})
	pending.Render()

	_, _ = fmt.Fprintf(out, "finished:  %s\n", strings.Join(snapshot.Finished, ", "))
	_, _ = fmt.Fprintf(out, "suspended: %s\n", strings.Join(snapshot.Suspended, ", "))
}

func formatOptional(at *time.Time) string {
	if at == nil {
		return "-"
	}
	return at.UTC().Format(time.RFC3339)
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
