package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rand/gamemaster/internal/app"
	"github.com/rand/gamemaster/internal/narration"
	"github.com/rand/gamemaster/internal/rlm"
)

func init() {
	turnCmd.Flags().String("campaign", "default", "Campaign id")
	turnCmd.Flags().String("player", "player", "Player id")
	turnCmd.Flags().String("name", "", "Player name, used when the player is new")
	turnCmd.Flags().String("session", "cli", "Session id")
	turnCmd.Flags().String("language", "", "Detected language tag of the utterance")
	turnCmd.Flags().BoolP("json", "j", false, "Output the narration plan as JSON")
	turnCmd.Flags().Bool("sources", false, "List knowledge sources used")
}

type turnOutput struct {
	TurnID    string               `json:"turn_id"`
	Fragments []narration.Fragment `json:"fragments"`
	Sources   []string             `json:"sources,omitempty"`
	Degraded  bool                 `json:"degraded,omitempty"`
	Aborted   bool                 `json:"aborted,omitempty"`
	Budget    string               `json:"budget"`
}

var turnCmd = &cobra.Command{
	Use:   "turn <utterance...>",
	Short: "Run one text turn",
	Long: `Run one finalized utterance through the turn controller and print the
narration. The campaign and player are created when missing.`,
	Example: `
# Open a chest as player p1
gm turn --campaign crypt --player p1 "I open the chest with the brass key"

# Ask a rules question and show the sources
gm turn --sources "how does grappling work?"
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		campaign, _ := cmd.Flags().GetString("campaign")
		player, _ := cmd.Flags().GetString("player")
		name, _ := cmd.Flags().GetString("name")
		session, _ := cmd.Flags().GetString("session")
		language, _ := cmd.Flags().GetString("language")
		asJSON, _ := cmd.Flags().GetBool("json")
		showSources, _ := cmd.Flags().GetBool("sources")

		var summary rlm.Summary
		a, cleanup, err := setupApp(cmd, app.Options{
			OnComplete: func(s rlm.Summary) { summary = s },
		})
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		if err := a.World.EnsureCampaign(ctx, campaign, campaign); err != nil {
			return err
		}
		if name == "" {
			name = player
		}
		if err := a.World.EnsurePlayer(ctx, campaign, player, name); err != nil {
			return err
		}

		turn := rlm.NewTurn(campaign, session, player, strings.Join(args, " "), language)
		plan, err := a.Controller.HandleTurn(ctx, turn)
		if err != nil && !errors.Is(err, rlm.ErrTurnAborted) {
			return err
		}
		a.Controller.Wait()
		report := summary.Budget.Summary()

		if asJSON {
			enc := json.NewEncoder(out(cmd))
			enc.SetIndent("", "  ")
			return enc.Encode(turnOutput{
				TurnID:    turn.ID,
				Fragments: plan.Fragments(),
				Sources:   plan.Sources(),
				Degraded:  plan.Degraded(),
				Aborted:   plan.Aborted(),
				Budget:    report,
			})
		}

		for _, f := range plan.Fragments() {
			fmt.Fprintln(out(cmd), f.Text)
		}
		if showSources {
			for _, s := range plan.Sources() {
				fmt.Fprintf(out(cmd), "  source: %s\n", s)
			}
		}
		if plan.Degraded() {
			fmt.Fprintln(cmd.ErrOrStderr(), "(degraded)")
		}
		fmt.Fprintln(cmd.ErrOrStderr(), report)
		return nil
	},
}
