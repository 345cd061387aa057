package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/persona"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file and the persona document",
		Args:  cobra.NoArgs,
		RunE:  runConfigCheck,
	})
	return cmd
}

func runConfigCheck(cmd *cobra.Command, _ []string) error {
	path := configPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config:   %s ok\n", path)
	fmt.Fprintf(out, "provider: %s\n", cfg.LLM.Provider)
	fmt.Fprintf(out, "history:  %s (%s)\n", cfg.History.Path, cfg.History.Backend)

	doc := persona.NewStore(cfg.Persona.File).Load()
	p, err := doc.Persona()
	if err != nil {
		return fmt.Errorf("invalid persona document %s: %w", cfg.Persona.File, err)
	}
	fmt.Fprintf(out, "persona:  %s (model %s, mode %s)\n", p.Name, doc.ModelID(), doc.BotMode)
	fmt.Fprintf(out, "channel:  #%s, operator %s\n", doc.TargetChannel, doc.TargetUsername)
	if cfg.Shorts.Enabled {
		fmt.Fprintf(out, "shorts:   enabled in #%s\n", cfg.Shorts.Channel)
	}
	return nil
}
