package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rand/gamemaster/internal/rlm/schedule"
	"github.com/rand/gamemaster/internal/worldstate"
)

func init() {
	effectsListCmd.Flags().String("campaign", "default", "Campaign id")
	effectsListCmd.Flags().StringP("status", "s", "pending", "Comma separated statuses (pending, archived, cancelled), or all")
	effectsListCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	effectsCmd.AddCommand(
		effectsListCmd,
		effectsCancelCmd,
	)
}

var effectsCmd = &cobra.Command{
	Use:   "effects",
	Short: "Delayed effect management",
	Long:  "Commands for inspecting and cancelling scheduled delayed effects",
}

// openScheduler opens the world state store alone; effect commands need
// neither knowledge nor a model.
func openScheduler(cmd *cobra.Command) (*schedule.Scheduler, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := worldstate.Open(cmd.Context(), worldstate.Options{Path: cfg.State.Path})
	if err != nil {
		return nil, nil, fmt.Errorf("open world state: %w", err)
	}
	return schedule.New(store, cfg.Scheduler), func() { store.Close() }, nil
}

func parseStatuses(s string) ([]worldstate.EffectStatus, error) {
	if s == "" || s == "all" {
		return nil, nil
	}
	var out []worldstate.EffectStatus
	for _, part := range strings.Split(s, ",") {
		st := worldstate.EffectStatus(strings.TrimSpace(part))
		switch st {
		case worldstate.EffectPending, worldstate.EffectArchived, worldstate.EffectCancelled:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("unknown effect status %q", part)
		}
	}
	return out, nil
}

var effectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List delayed effects",
	Example: `
# Pending effects of a campaign
gm effects list --campaign crypt

# Everything, as JSON
gm effects list --campaign crypt --status all --json
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		campaign, _ := cmd.Flags().GetString("campaign")
		status, _ := cmd.Flags().GetString("status")
		asJSON, _ := cmd.Flags().GetBool("json")

		statuses, err := parseStatuses(status)
		if err != nil {
			return err
		}
		sched, cleanup, err := openScheduler(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		effects, err := sched.List(cmd.Context(), campaign, statuses...)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(out(cmd))
			enc.SetIndent("", "  ")
			return enc.Encode(effects)
		}
		if len(effects) == 0 {
			fmt.Fprintln(out(cmd), "No effects.")
			return nil
		}
		tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tATTEMPTS\tNARRATION")
		for _, e := range effects {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.ID, e.Status, e.Trigger, e.Attempts, e.Payload.Narration)
		}
		return tw.Flush()
	},
}

var effectsCancelCmd = &cobra.Command{
	Use:   "cancel <effect-id>",
	Short: "Cancel a pending delayed effect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, cleanup, err := openScheduler(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := sched.Cancel(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("cancel %s: %w", args[0], err)
		}
		fmt.Fprintf(out(cmd), "Cancelled %s\n", args[0])
		return nil
	},
}
