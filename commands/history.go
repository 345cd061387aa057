package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/convo"
	"github.com/tomasmach/cai/persona"
)

// newHistoryCmd creates `cai history` for inspecting and editing the stored
// conversation while the bot is stopped.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or edit the stored conversation",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored exchanges as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			history, _, err := openHistory(cmd)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(history.Snapshot(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear the history and the saved recap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			history, personas, err := openHistory(cmd)
			if err != nil {
				return err
			}
			if err := history.Reset(); err != nil {
				return err
			}
			if err := personas.SaveRecap(""); err != nil {
				return fmt.Errorf("clear recap: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "history reset")
			return nil
		},
	}

	rewind := &cobra.Command{
		Use:   "rewind [n]",
		Short: "Drop the n most recent exchanges (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v < 1 {
					return fmt.Errorf("n must be a positive integer, got %q", args[0])
				}
				n = v
			}
			history, _, err := openHistory(cmd)
			if err != nil {
				return err
			}
			if err := history.Truncate(-n); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d exchanges left\n", history.Len())
			return nil
		},
	}

	cmd.AddCommand(show, reset, rewind)
	return cmd
}

func openHistory(cmd *cobra.Command) (*convo.Store, *persona.Store, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	personas := persona.NewStore(cfg.Persona.File)
	persister, err := convo.NewPersister(cfg.History.Backend, cfg.History.Path)
	if err != nil {
		return nil, nil, err
	}
	return convo.Open(persister, personas.Load().MaxMemorySize), personas, nil
}
