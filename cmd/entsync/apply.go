package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/gate"
	"github.com/loomworks/entsync/internal/job"
	"github.com/loomworks/entsync/internal/ui"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Preview and apply a sync",
	Long: `Run a preview and apply it in one go.

Every conflict must be resolved with --keep-local or --keep-remote.
Resolutions are whole-entity: the chosen side wins entirely, lines are
never merged. When the preview reports workflows losing their last
reference or unresolved references, the corresponding --confirm flag is
required.

Apply is per-entity atomic. On partial failure the successful entities
stay applied; re-running retries only the remainder.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keepLocal, _ := cmd.Flags().GetStringArray("keep-local")
		keepRemote, _ := cmd.Flags().GetStringArray("keep-remote")
		confirmOrphans, _ := cmd.Flags().GetBool("confirm-orphans")
		confirmRefs, _ := cmd.Flags().GetBool("confirm-unresolved-refs")
		asJSON, _ := cmd.Flags().GetBool("json")
		quiet, _ := cmd.Flags().GetBool("quiet")

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		showProgress := !quiet && !asJSON

		previewID, err := eng.manager.SubmitPreview(eng.cfg.Workspace)
		if err != nil {
			return err
		}
		previewSnap, err := followJob(eng.manager, previewID, showProgress)
		if err != nil {
			return err
		}
		if previewSnap.State == job.StateFailed {
			return fmt.Errorf("preview failed: %s", previewSnap.Error)
		}

		report := previewSnap.Report
		if report.IsEmpty() {
			if !asJSON {
				fmt.Print(ui.RenderReport(report))
			}
			return nil
		}

		req := entity.ResolutionRequest{
			ConflictResolutions:   make(map[string]entity.Resolution),
			ConfirmOrphans:        confirmOrphans,
			ConfirmUnresolvedRefs: confirmRefs,
		}
		for _, path := range keepLocal {
			req.ConflictResolutions[path] = entity.KeepLocal
		}
		for _, path := range keepRemote {
			req.ConflictResolutions[path] = entity.KeepRemote
		}

		executeID, err := eng.manager.SubmitExecute(eng.cfg.Workspace, report, req)
		if err != nil {
			var rejection *gate.RejectionError
			if errors.As(err, &rejection) {
				fmt.Fprint(os.Stderr, ui.RenderReport(report))
				return fmt.Errorf("%s", rejection.Detail)
			}
			return err
		}

		snap, err := followJob(eng.manager, executeID, showProgress)
		if err != nil {
			return err
		}

		if asJSON {
			if err := json.NewEncoder(os.Stdout).Encode(snap.Summary); err != nil {
				return err
			}
		} else if snap.Summary != nil {
			fmt.Print(ui.RenderSummary(snap.Summary))
		}

		if snap.State == job.StateFailed {
			return fmt.Errorf("apply failed: %s", snap.Error)
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().StringArray("keep-local", nil, "Conflicted path resolved by keeping the workspace version (repeatable)")
	applyCmd.Flags().StringArray("keep-remote", nil, "Conflicted path resolved by keeping the repository version (repeatable)")
	applyCmd.Flags().Bool("confirm-orphans", false, "Acknowledge workflows losing their last reference")
	applyCmd.Flags().Bool("confirm-unresolved-refs", false, "Acknowledge references that will dangle after apply")
	applyCmd.Flags().Bool("json", false, "Emit the apply summary as JSON")
	applyCmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	rootCmd.AddCommand(applyCmd)
}
