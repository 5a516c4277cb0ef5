package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/entsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := context.Background()

		records, err := eng.db.ListEntities(ctx)
		if err != nil {
			return err
		}
		baseline, err := eng.db.Baseline(ctx)
		if err != nil {
			return err
		}

		byType := make(map[string]int)
		for _, rec := range records {
			byType[rec.Type.String()]++
		}

		fmt.Printf("Workspace:  %s\n", ui.RenderAccent(eng.cfg.Workspace))
		fmt.Printf("Repository: %s (branch %s)\n", eng.cfg.Repo.URL, eng.cfg.Repo.Branch)
		fmt.Printf("Store:      %s\n", eng.cfg.Database.Path)
		fmt.Printf("Entities:   %d", len(records))
		if len(records) > 0 {
			fmt.Printf("  (")
			first := true
			for _, typ := range []string{"workflow", "form", "agent", "app"} {
				if byType[typ] == 0 {
					continue
				}
				if !first {
					fmt.Printf(", ")
				}
				fmt.Printf("%d %s", byType[typ], typ)
				first = false
			}
			fmt.Printf(")")
		}
		fmt.Println()
		fmt.Printf("Baseline:   %d path(s) from the last successful sync\n", len(baseline))

		if len(baseline) == 0 {
			fmt.Println(ui.RenderWarn("No sync has completed yet; run 'entsync preview' to compare."))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
