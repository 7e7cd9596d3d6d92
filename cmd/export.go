package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/clock/system"
	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/export"
	"github.com/JakeFAU/stackharvest/internal/storage"
)

func newExportCmd() *cobra.Command {
	var (
		limit  int
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored questions to the export blob store as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			store, err := storage.NewQuestionStore(cmd.Context(), e.cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			if prefix == "" {
				prefix = e.cfg.Export.Prefix
			}
			uri, err := exportQuestions(cmd.Context(), e.cfg.Export, store, system.New(), prefix, limit, e.logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), uri)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum questions to export (0 uses the store default)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "object prefix (default export.prefix)")
	return cmd
}

func exportQuestions(
	ctx context.Context,
	cfg config.ExportConfig,
	store crawler.QuestionStore,
	clock crawler.Clock,
	prefix string,
	limit int,
	logger *zap.Logger,
) (string, error) {
	blob, err := storage.NewBlobStore(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer blob.Close()
	res, err := export.Run(ctx, store, blob, clock, prefix, limit, logger.Named("export"))
	if err != nil {
		return "", err
	}
	return res.URI, nil
}
