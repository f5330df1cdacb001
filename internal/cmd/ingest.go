package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rand/gamemaster/internal/app"
	"github.com/rand/gamemaster/internal/eventlog"
	"github.com/rand/gamemaster/internal/knowledge"
)

func init() {
	ingestCmd.Flags().String("id", "", "Document id (default: file name without extension)")
	ingestCmd.Flags().String("title", "", "Document title")
	ingestCmd.Flags().String("kind", knowledge.KindRulebook, "Document kind (rulebook, adventure, lorebook, gm_advice, session_memory, other)")
	ingestCmd.Flags().String("ruleset", "", "Ruleset tag, e.g. 5e")
	ingestCmd.Flags().String("campaign", "", "Campaign id for campaign scoped documents")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a text document into the knowledge base",
	Long: `Chunk, classify and embed a plain text or markdown document.

GM advice documents go to the guidance collection, everything else to the
game collection. Re-ingesting a document id replaces its chunks.`,
	Example: `
# Ingest the SRD
gm ingest --id srd-5e --ruleset 5e srd.md

# Ingest GM advice
gm ingest --kind gm_advice pacing.md
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		id, _ := cmd.Flags().GetString("id")
		title, _ := cmd.Flags().GetString("title")
		kind, _ := cmd.Flags().GetString("kind")
		ruleset, _ := cmd.Flags().GetString("ruleset")
		campaign, _ := cmd.Flags().GetString("campaign")

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if id == "" {
			id = base
		}
		if title == "" {
			title = base
		}

		a, cleanup, err := setupApp(cmd, app.Options{})
		if err != nil {
			return err
		}
		defer cleanup()

		collection := app.CollectionGame
		if knowledge.IsGuidanceKind(kind) {
			collection = app.CollectionGuidance
		}
		idx := a.Index(collection)
		if idx == nil {
			return fmt.Errorf("knowledge is disabled in the config")
		}

		doc := knowledge.Document{
			ID:         id,
			CampaignID: campaign,
			Title:      title,
			Ruleset:    ruleset,
			Kind:       kind,
			Text:       string(raw),
		}
		if err := idx.IngestSync(cmd.Context(), doc); err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}

		rec := eventlog.New(eventlog.KindIngest, map[string]any{
			"doc_id": id, "kind": kind, "collection": collection, "bytes": len(raw),
		})
		rec.CampaignID = campaign
		_ = a.Events.Record(rec)

		fmt.Fprintf(out(cmd), "Ingested %s into %s\n", id, collection)
		return nil
	},
}
