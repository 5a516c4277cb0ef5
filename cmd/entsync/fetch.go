package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/entsync/internal/planner"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <path>",
	Short: "Print one side's content for a conflicted path",
	Long: `Fetch the local (entity store) or remote (repository) content of a
path, for inspecting a conflict before resolving it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		if source != string(planner.SourceLocal) && source != string(planner.SourceRemote) {
			return fmt.Errorf("--source must be %q or %q", planner.SourceLocal, planner.SourceRemote)
		}

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := context.Background()
		if source == string(planner.SourceRemote) {
			// The mirror may not exist yet on a fresh workspace.
			if err := eng.mirror.Refresh(ctx); err != nil {
				return err
			}
		}

		content, err := eng.planner.FetchContent(ctx, args[0], planner.Source(source))
		if err != nil {
			return err
		}
		fmt.Print(content)
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringP("source", "s", "local", "Which side to read: local or remote")
	rootCmd.AddCommand(fetchCmd)
}
