package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/entsync/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine as a daemon",
	Long: `Start the engine's HTTP API and WebSocket event stream.

Endpoints:
  POST /jobs/preview           submit a preview job
  POST /jobs/execute           apply a preview (by preview_job_id)
  GET  /jobs/{id}              poll a job snapshot
  POST /jobs/{id}/cancel       request cooperative cancellation
  GET  /content?path=&source=  fetch one side of a conflicted path
  GET  /ws?job_id=             stream a job's events
  GET  /health                 health check

Preview jobs run concurrently; at most one execute job runs per
workspace at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if addr == "" {
			addr = eng.cfg.Serve.Addr
		}

		server := stream.NewServer(eng.manager, &stream.Config{
			Addr:      addr,
			Workspace: eng.cfg.Workspace,
			Content:   eng.planner,
			Logger:    eng.cfg.NewLogger("[serve] "),
		})
		if err := server.Start(); err != nil {
			return err
		}

		fmt.Printf("entsync serving workspace %q on http://%s\n", eng.cfg.Workspace, server.Addr())
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return server.Stop()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
