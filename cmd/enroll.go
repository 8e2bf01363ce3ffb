package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/assiminee/facegate/internal/config"
	"github.com/assiminee/facegate/internal/database/postgres"
	"github.com/assiminee/facegate/internal/embedder"
	"github.com/assiminee/facegate/internal/enroll"
	"github.com/assiminee/facegate/internal/quality"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <spectator-id> <image-or-folder> [image-or-folder...]",
	Short: "Enroll face templates for a spectator",
	Long: `Enroll reference photos for a spectator from local files or folders.

Each image goes through the same pipeline as the HTTP enrollment
endpoint: quality checks, embedding, duplicate and identity conflict
detection. Folders are scanned non-recursively unless -r is given.
Supported formats: jpg, jpeg, png

This command is for operator-driven enrollment where the spectator has
already given biometric consent during registration. Use --consent-url
to verify consent against the user-profile service instead.

Example:
  facegate enroll spec-81c3 /path/to/photo.jpg
  facegate enroll -r spec-81c3 /path/to/registration-photos`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)
	enrollCmd.Flags().BoolP("recursive", "r", false, "Search for images recursively in subdirectories")
	enrollCmd.Flags().String("consent-url", "", "Consent service base URL (default: skip the consent check)")
}

// isImageFile checks if a file has an extension the face model accepts.
func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// collectImages expands files and folders into a flat list of image paths.
func collectImages(paths []string, recursive bool) ([]string, error) {
	var filePaths []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", path, err)
		}
		if !info.IsDir() {
			if !isImageFile(path) {
				return nil, fmt.Errorf("%s is not a supported image file", path)
			}
			filePaths = append(filePaths, path)
			continue
		}

		if recursive {
			err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && isImageFile(d.Name()) {
					filePaths = append(filePaths, p)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("cannot walk folder %s: %w", path, err)
			}
		} else {
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("cannot read folder %s: %w", path, err)
			}
			for _, entry := range entries {
				if !entry.IsDir() && isImageFile(entry.Name()) {
					filePaths = append(filePaths, filepath.Join(path, entry.Name()))
				}
			}
		}
	}
	return filePaths, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	spectatorID := args[0]
	recursive := mustGetBool(cmd, "recursive")
	consentURL := mustGetString(cmd, "consent-url")

	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	if cfg.Embedder.URL == "" {
		return errors.New("EMBEDDER_URL environment variable is required")
	}

	filePaths, err := collectImages(args[1:], recursive)
	if err != nil {
		return err
	}
	if len(filePaths) == 0 {
		fmt.Println("No image files found in the specified paths.")
		return nil
	}
	fmt.Printf("Found %d image(s) to enroll for spectator %s\n", len(filePaths), spectatorID)

	pool, err := postgres.Connect(&cfg.Database, discardLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	var consent enroll.ConsentChecker = enroll.AllowAll{}
	if consentURL != "" {
		consent = enroll.NewHTTPConsentClient(consentURL)
	}

	templates := postgres.NewTemplateRepository(pool, cfg.Embedder.Dim)
	model := embedder.NewClient(cfg.Embedder.URL, cfg.Embedder.Dim, cfg.Embedder.Timeout)
	service := enroll.NewService(templates, model, quality.NewGate(cfg.Quality),
		consent, cfg.Matching.AcceptThreshold, discardLogger())

	bar := progressbar.NewOptions(len(filePaths),
		progressbar.OptionSetDescription("Enrolling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	ctx := context.Background()
	var enrolled int
	var failures []string
	for _, filePath := range filePaths {
		fileName := filepath.Base(filePath)

		imageData, err := os.ReadFile(filePath)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", fileName, err))
			bar.Add(1)
			continue
		}

		if _, err := service.Enroll(ctx, spectatorID, imageData); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", fileName, err))
			bar.Add(1)
			continue
		}
		enrolled++
		bar.Add(1)
	}
	fmt.Println()

	fmt.Printf("Enrolled %d of %d image(s)\n", enrolled, len(filePaths))
	if len(failures) > 0 {
		fmt.Printf("\n%d image(s) skipped:\n", len(failures))
		for _, msg := range failures {
			fmt.Printf("  %s\n", msg)
		}
	}
	if enrolled == 0 {
		return errors.New("no images enrolled")
	}
	return nil
}
