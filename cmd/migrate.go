package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/marketplace-crawler/internal/app"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates the products table if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), e.cfg, e.logger, app.Options{})
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer a.Close()

			if err := a.Store.EnsureSchema(cmd.Context()); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			e.logger.Info("products table ready")
			return nil
		},
	}
}
