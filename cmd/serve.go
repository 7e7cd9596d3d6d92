package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the health server and background monitor without local workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			mon, err := app.NewMonitor()
			if err != nil {
				return err
			}
			return startNode(cmd.Context(), app, app.NewAPI(nil, nil), mon.Run)
		},
	}
}
