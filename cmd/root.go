package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "facegate",
	Short: "Biometric entry gate for ticketed events",
	Long: `Facegate verifies spectators at stadium turnstiles. A camera capture and
a ticket ID go in, an accept or reject decision comes out. The engine
matches the face against enrolled templates, enforces the entry time
window, and consumes each ticket exactly once.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// discardLogger silences service logging for one-shot commands whose
// progress output would otherwise be interleaved with log lines.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
