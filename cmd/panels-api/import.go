package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"github.com/MarcoPoloResearchLab/panels/internal/config"
	"github.com/MarcoPoloResearchLab/panels/internal/ingest"
	"github.com/MarcoPoloResearchLab/panels/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newImportCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "import [flags] <file-or-directory>...",
		Short: "Import chapter JSON files into a user's library",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cmd, userID, args)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owner user id (the Google subject)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runImport(ctx context.Context, cmd *cobra.Command, userID string, paths []string) error {
	appConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, _, ingestor, err := openLibrary(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	files, err := readChapterFiles(paths)
	if err != nil {
		return err
	}
	report, err := ingestor.Ingest(ctx, comics.Owner{UserID: strings.TrimSpace(userID)}, files)
	if err != nil {
		logger.Error("import failed", zap.String("batch_id", report.BatchID), zap.Error(err))
		return err
	}
	if message := report.Message(); message != "" {
		fmt.Fprintln(cmd.OutOrStdout(), message)
	}
	for _, skipped := range report.Skipped {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s\n", skipped)
	}
	for _, failed := range report.Failed {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed %s\n", failed)
	}
	return nil
}

// readChapterFiles loads every path; a directory contributes its *.json files.
func readChapterFiles(paths []string) ([]ingest.File, error) {
	var names []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			names = append(names, path)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(path, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		names = append(names, matches...)
	}

	files := make([]ingest.File, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		files = append(files, ingest.File{Name: filepath.Base(name), Data: data})
	}
	return files, nil
}
