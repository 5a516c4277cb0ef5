package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/entsync/internal/job"
	"github.com/loomworks/entsync/internal/ui"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Compute what a sync would change, without changing anything",
	Long: `Compare the entity store against the repository and report incoming
changes, outgoing changes, conflicts, workflows that would lose their
last reference, and references that would not resolve after apply.

Preview never writes to either side.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		quiet, _ := cmd.Flags().GetBool("quiet")

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		id, err := eng.manager.SubmitPreview(eng.cfg.Workspace)
		if err != nil {
			return err
		}

		snap, err := followJob(eng.manager, id, !quiet && !asJSON)
		if err != nil {
			return err
		}
		if snap.State == job.StateFailed {
			return fmt.Errorf("preview failed: %s", snap.Error)
		}

		if asJSON {
			return json.NewEncoder(os.Stdout).Encode(snap.Report)
		}
		fmt.Print(ui.RenderReport(snap.Report))
		return nil
	},
}

func init() {
	previewCmd.Flags().Bool("json", false, "Emit the report as JSON")
	previewCmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	rootCmd.AddCommand(previewCmd)
}

// followJob streams a job's events to stderr until completion, then
// returns the final snapshot.
func followJob(m *job.Manager, id string, showProgress bool) (job.Job, error) {
	events, unsubscribe, err := m.Subscribe(id)
	if err != nil {
		return job.Job{}, err
	}
	defer unsubscribe()

	for ev := range events {
		switch ev.Type {
		case job.EventProgress:
			if showProgress {
				if ev.Total > 0 {
					fmt.Fprintf(os.Stderr, "%s (%d/%d)\n", ev.Phase, ev.Current, ev.Total)
				} else if ev.Current == 0 {
					fmt.Fprintf(os.Stderr, "%s...\n", ev.Phase)
				}
			}
		case job.EventLog:
			if showProgress {
				fmt.Fprintf(os.Stderr, "%s: %s\n", ev.Level, ev.Message)
			}
		}
	}

	return m.Job(id)
}
