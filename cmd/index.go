package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/assiminee/facegate/internal/config"
	"github.com/assiminee/facegate/internal/database/postgres"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the template HNSW index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the template HNSW index from PostgreSQL",
	Long: `Rebuild the template HNSW index from the live templates in PostgreSQL
and persist it to disk. The serve command loads a persisted index at
startup instead of rebuilding, which matters once the template count
reaches the hundreds of thousands.

The output path defaults to HNSW_INDEX_PATH.`,
	RunE: runIndexRebuild,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexRebuildCmd)
	indexRebuildCmd.Flags().String("out", "", "Path to write the index to (overrides HNSW_INDEX_PATH)")
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	indexPath := mustGetString(cmd, "out")
	if indexPath == "" {
		indexPath = cfg.Database.HNSWIndexPath
	}
	if indexPath == "" {
		return errors.New("no output path: set --out or HNSW_INDEX_PATH")
	}

	pool, err := postgres.Connect(&cfg.Database, discardLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	templates := postgres.NewTemplateRepository(pool, cfg.Embedder.Dim)

	// An empty path forces a rebuild from Postgres instead of loading
	// whatever is already on disk.
	fmt.Println("Rebuilding template HNSW index from PostgreSQL...")
	if err := templates.EnableHNSW(context.Background(), ""); err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	fmt.Printf("Indexed %d templates\n", templates.HNSWCount())

	templates.SetIndexPath(indexPath)
	if err := templates.SaveHNSWIndex(); err != nil {
		return fmt.Errorf("saving index: %w", err)
	}
	fmt.Printf("Index written to %s\n", indexPath)
	return nil
}
