package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stackharvest/internal/fleet"
)

func newScaleCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "scale",
		Short: "Run the fleet scaler loop",
		Long: `Every fleet.interval the scaler replaces unhealthy instances, then launches
or terminates instances according to the pending task backlog.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withScaler(cmd, func(s *fleet.Scaler) error {
				if once {
					res, err := s.Tick(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(cmd, res)
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return s.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single scaling decision and print it")
	cmd.AddCommand(newScaleLaunchCmd(), newScaleTerminateCmd())
	return cmd
}

func newScaleLaunchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch <count>",
		Short: "Launch instances, bounded by fleet.max_instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("count must be a positive integer, got %q", args[0])
			}
			return withScaler(cmd, func(s *fleet.Scaler) error {
				launched, err := s.Launch(cmd.Context(), n)
				if err != nil {
					return err
				}
				return printJSON(cmd, launched)
			})
		},
	}
}

func newScaleTerminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <instance-id>...",
		Short: "Terminate instances by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScaler(cmd, func(s *fleet.Scaler) error {
				return s.Terminate(cmd.Context(), args)
			})
		},
	}
}

func withScaler(cmd *cobra.Command, fn func(s *fleet.Scaler) error) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	s, err := app.NewScaler(cmd.Context())
	if err != nil {
		return err
	}
	if _, err := s.Sync(cmd.Context()); err != nil {
		return err
	}
	return fn(s)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
