package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/assiminee/facegate/internal/config"
	"github.com/assiminee/facegate/internal/database"
	"github.com/assiminee/facegate/internal/database/memory"
	"github.com/assiminee/facegate/internal/database/postgres"
	"github.com/assiminee/facegate/internal/database/ticketdb"
	"github.com/assiminee/facegate/internal/embedder"
	"github.com/assiminee/facegate/internal/enroll"
	"github.com/assiminee/facegate/internal/gate"
	"github.com/assiminee/facegate/internal/match"
	"github.com/assiminee/facegate/internal/metrics"
	"github.com/assiminee/facegate/internal/quality"
	"github.com/assiminee/facegate/internal/verify"
	"github.com/assiminee/facegate/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gate decision server",
	Long: `Start the Facegate HTTP server.
The server exposes the turnstile verification endpoint, enrollment
management, and operational stats. It needs PostgreSQL for templates
and attempts, the face model service for detection and embeddings,
and (in production) the ticketing MariaDB.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Duration("sweep-interval", time.Minute, "How often unused tickets past their window are expired")
}

// initTemplateHNSW builds or loads the template HNSW index for fast matching.
func initTemplateHNSW(ctx context.Context, templates *postgres.TemplateRepository, indexPath string) {
	if indexPath != "" {
		fmt.Printf("Loading template HNSW index from %s...\n", indexPath)
	} else {
		fmt.Printf("Building in-memory HNSW index for template matching...\n")
	}
	if err := templates.EnableHNSW(ctx, indexPath); err != nil {
		fmt.Printf("Warning: Failed to build template HNSW index: %v\n", err)
		fmt.Printf("Matching will use PostgreSQL queries (slower)\n")
	} else if indexPath != "" {
		fmt.Printf("Template HNSW index ready with %d templates (persisted to %s)\n", templates.HNSWCount(), indexPath)
	} else {
		fmt.Printf("Template HNSW index built with %d templates (in-memory only)\n", templates.HNSWCount())
	}
}

// openTicketStore connects to the ticketing MariaDB, or falls back to the
// in-memory store when no DSN is configured. The fallback starts empty and
// is only useful for local development.
func openTicketStore(cfg *config.Config) (database.TicketStore, func() error, error) {
	if cfg.TicketDB.DSN == "" {
		fmt.Println("TICKETDB_DSN not set, using in-memory ticket store (development only)")
		return memory.NewTicketStore(), func() error { return nil }, nil
	}
	fmt.Printf("Connecting to ticketing database...\n")
	pool, err := ticketdb.NewPool(cfg.TicketDB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to ticketing database: %w", err)
	}
	return ticketdb.NewTicketStore(pool), pool.Close, nil
}

// consentChecker picks the consent source for gate auto-enrollment. Without
// a consent service configured, auto-enrollment is denied for everyone.
func consentChecker(cfg *config.Config) enroll.ConsentChecker {
	if cfg.Consent.URL == "" {
		fmt.Println("CONSENT_URL not set, gate auto-enrollment disabled")
		return enroll.DenyAll{}
	}
	return enroll.NewHTTPConsentClient(cfg.Consent.URL)
}

// refreshTemplateGauge keeps the live template count metric current.
func refreshTemplateGauge(ctx context.Context, templates *postgres.TemplateRepository, meter *metrics.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		if count, err := templates.Count(ctx); err == nil {
			meter.SetTemplateCount(count)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	if cfg.Embedder.URL == "" {
		return errors.New("EMBEDDER_URL environment variable is required")
	}
	if port := mustGetInt(cmd, "port"); port != 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fmt.Printf("Connecting to PostgreSQL database...\n")
	pool, err := postgres.Connect(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	templates := postgres.NewTemplateRepository(pool, cfg.Embedder.Dim)
	attempts := postgres.NewAttemptRepository(pool)
	initTemplateHNSW(context.Background(), templates, cfg.Database.HNSWIndexPath)

	tickets, closeTickets, err := openTicketStore(cfg)
	if err != nil {
		return err
	}
	defer closeTickets()

	model := embedder.NewClient(cfg.Embedder.URL, cfg.Embedder.Dim, cfg.Embedder.Timeout)
	qualityGate := quality.NewGate(cfg.Quality)
	matcher := match.NewEngine(templates, cfg.Matching)
	machine := gate.NewMachine(tickets, cfg.Window)

	enrollSvc := enroll.NewService(templates, model, qualityGate, consentChecker(cfg),
		cfg.Matching.AcceptThreshold, logger)
	feed := enroll.NewFeed(enrollSvc, cfg.Pool.QueueSize, cfg.Pool.Workers, logger)
	defer feed.Close()

	meter := metrics.NewManager()
	verifySvc := verify.NewService(tickets, attempts, model, qualityGate, matcher, machine,
		cfg.Pool.QueueSize, cfg.Embedder.Timeout, logger, verify.Options{Feed: feed, Metrics: meter})

	server := web.NewServer(cfg, web.Deps{
		Verify:    verifySvc,
		Enroll:    enrollSvc,
		Templates: templates,
		Model:     model,
		Metrics:   meter,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := gate.NewSweeper(tickets, mustGetDuration(cmd, "sweep-interval"), logger)
	go sweeper.Run(ctx)
	go refreshTemplateGauge(ctx, templates, meter)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()

		if cfg.Database.HNSWIndexPath != "" {
			if err := templates.SaveHNSWIndex(); err != nil {
				fmt.Printf("Warning: failed to save template HNSW index: %v\n", err)
			} else {
				fmt.Println("Template HNSW index saved to disk")
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Facegate on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
