package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	configShowCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")

	configCmd.AddCommand(
		configShowCmd,
		configValidateCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for inspecting the gm configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the configuration after merging defaults, the config file and the environment. Secrets are never shown.",
	Example: `
# Human readable summary
gm config show

# Full config as YAML
gm config show --yaml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Model.APIKey = ""
		cfg.Knowledge.Embedding.APIKey = ""

		if asJSON {
			encoder := json.NewEncoder(out(cmd))
			encoder.SetIndent("", "  ")
			return encoder.Encode(cfg)
		}
		if asYAML {
			encoder := yaml.NewEncoder(out(cmd))
			encoder.SetIndent(2)
			defer encoder.Close()
			return encoder.Encode(cfg)
		}

		w := out(cmd)
		fmt.Fprintln(w, "Effective Configuration")
		fmt.Fprintln(w, "=======================")
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Budget:     depth %d, %d model calls, %d retrievals, %d reads, %d writes, latency target %s\n",
			cfg.Budget.MaxDepth, cfg.Budget.MaxModelCalls, cfg.Budget.MaxRetrievals,
			cfg.Budget.MaxReads, cfg.Budget.MaxWrites, cfg.Budget.LatencyTarget)
		fmt.Fprintf(w, "Model:      %s %s (timeout %s)\n", cfg.Model.Provider, cfg.Model.Model, cfg.Model.Timeout)
		fmt.Fprintf(w, "Knowledge:  enabled=%v db=%s embeddings=%s top_k=%d\n",
			cfg.Knowledge.Enabled, cfg.Knowledge.Path, cfg.Knowledge.Embedding.Provider, cfg.Knowledge.TopK)
		if len(cfg.Knowledge.ActiveDocIDs) > 0 {
			fmt.Fprintf(w, "            active docs %v\n", cfg.Knowledge.ActiveDocIDs)
		}
		fmt.Fprintf(w, "State:      %s\n", cfg.State.Path)
		fmt.Fprintf(w, "Scheduler:  tick %s, max attempts %d\n", cfg.Scheduler.TickInterval, cfg.Scheduler.MaxAttempts)
		fmt.Fprintf(w, "Voice:      %s%s\n", cfg.Voice.Addr, cfg.Voice.Path)
		fmt.Fprintf(w, "Events:     %s\n", cfg.Events.Dir)
		fmt.Fprintf(w, "Language:   %s (locale %s), memory %d turns\n",
			cfg.Prompts.LanguageMode, cfg.Prompts.Locale, cfg.Prompts.MemoryTurns)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), "Configuration is valid.")
		return nil
	},
}
