package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/assiminee/facegate/internal/config"
	"github.com/assiminee/facegate/internal/database/postgres"
	"github.com/assiminee/facegate/internal/database/ticketdb"
	"github.com/assiminee/facegate/internal/embedder"
	"github.com/assiminee/facegate/internal/gate"
	"github.com/assiminee/facegate/internal/match"
	"github.com/assiminee/facegate/internal/quality"
	"github.com/assiminee/facegate/internal/verify"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <ticket-id> <image-path>",
	Short: "Run one verification attempt from the command line",
	Long: `Run the full gate pipeline for a single capture without the HTTP server.

This consumes the ticket on an accept, exactly as the turnstile would.
Useful for smoke-testing a deployment or replaying a disputed attempt
against a staging ticketing database.

Example:
  facegate verify TKT-2026-001847 /path/to/capture.jpg
  facegate verify --at 2026-06-14T11:00:00Z TKT-2026-001847 capture.jpg`,
	Args: cobra.ExactArgs(2),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().String("at", "", "Capture timestamp in RFC 3339 (default: now)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	ticketID := args[0]
	imagePath := args[1]

	capturedAt := time.Now().UTC()
	if at := mustGetString(cmd, "at"); at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid --at timestamp: %w", err)
		}
		capturedAt = parsed.UTC()
	}

	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	if cfg.Embedder.URL == "" {
		return errors.New("EMBEDDER_URL environment variable is required")
	}
	if cfg.TicketDB.DSN == "" {
		return errors.New("TICKETDB_DSN environment variable is required")
	}

	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("cannot read image: %w", err)
	}

	pool, err := postgres.Connect(&cfg.Database, discardLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	ticketPool, err := ticketdb.NewPool(cfg.TicketDB.DSN)
	if err != nil {
		return fmt.Errorf("connecting to ticketing database: %w", err)
	}
	defer ticketPool.Close()

	templates := postgres.NewTemplateRepository(pool, cfg.Embedder.Dim)
	tickets := ticketdb.NewTicketStore(ticketPool)
	model := embedder.NewClient(cfg.Embedder.URL, cfg.Embedder.Dim, cfg.Embedder.Timeout)

	service := verify.NewService(
		tickets,
		postgres.NewAttemptRepository(pool),
		model,
		quality.NewGate(cfg.Quality),
		match.NewEngine(templates, cfg.Matching),
		gate.NewMachine(tickets, cfg.Window),
		1,
		cfg.Embedder.Timeout,
		discardLogger(),
		verify.Options{},
	)

	outcome, err := service.Verify(context.Background(), ticketID, imageData, capturedAt)
	if err != nil {
		var rej *quality.Rejection
		if errors.As(err, &rej) {
			fmt.Printf("Capture rejected, retake required: %s\n", rej.Reason)
			if rej.Detail != "" {
				fmt.Printf("  %s\n", rej.Detail)
			}
			return nil
		}
		return err
	}

	fmt.Printf("Attempt:  %s\n", outcome.AttemptID)
	fmt.Printf("Decision: %s\n", outcome.Decision)
	if outcome.Accepted() {
		fmt.Printf("Spectator %s checked in at %s (distance %.4f)\n",
			outcome.SpectatorID, outcome.CheckedInAt.Format(time.RFC3339), outcome.BestDistance)
	} else {
		fmt.Printf("Reason:   %s\n", outcome.Reason)
		if outcome.BestDistance > 0 {
			fmt.Printf("Distance: %.4f\n", outcome.BestDistance)
		}
	}
	return nil
}
