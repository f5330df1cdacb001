package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rand/gamemaster/internal/eventlog"
)

func init() {
	eventsExportCmd.Flags().String("campaign", "", "Only records of this campaign")
	eventsExportCmd.Flags().StringP("kind", "k", "", "Comma separated record kinds (turn, turn_aborted, effect_fired, ...)")
	eventsExportCmd.Flags().String("since", "", "Only records at or after this time (RFC 3339) or this long ago (e.g. 2h)")
	eventsExportCmd.Flags().String("until", "", "Only records before this time (RFC 3339)")
	eventsExportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	eventsCmd.AddCommand(eventsExportCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Operator event log",
	Long:  "Commands for reading the compressed operator event log",
}

// parseTime accepts RFC 3339 or a duration before now.
func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or a duration", s)
	}
	return now.Add(-d), nil
}

var eventsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export event log records as JSON lines",
	Example: `
# Everything that went wrong in the last day
gm events export --kind turn_aborted --since 24h

# One campaign to a file
gm events export --campaign crypt -o crypt.jsonl
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		campaign, _ := cmd.Flags().GetString("campaign")
		kinds, _ := cmd.Flags().GetString("kind")
		since, _ := cmd.Flags().GetString("since")
		until, _ := cmd.Flags().GetString("until")
		output, _ := cmd.Flags().GetString("output")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		now := time.Now()
		f := eventlog.Filter{CampaignID: campaign}
		if f.Since, err = parseTime(since, now); err != nil {
			return err
		}
		if f.Until, err = parseTime(until, now); err != nil {
			return err
		}
		for _, k := range strings.Split(kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Kinds = append(f.Kinds, k)
			}
		}

		var w io.Writer = out(cmd)
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				return err
			}
			defer file.Close()
			w = file
		}

		n, err := eventlog.Export(cfg.Events.Dir, cfg.Events.Prefix, f, w)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d records\n", n)
		return nil
	},
}
