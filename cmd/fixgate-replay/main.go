package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/starfail/fixgate/pkg/logx"
	"github.com/starfail/fixgate/pkg/replay"
	"github.com/starfail/fixgate/pkg/uci"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fixgate-replay",
		Short: "Replay recorded location traces through the fixgate decision engine",
		Long: `Feeds a JSONL trace of fix, power, temperature, battery and error
events into a tracking session built from a fixgate UCI config and prints
which positions would have been reported.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/config/fixgate", "UCI config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*uci.Config, error) {
	config, err := uci.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return config, nil
}

// runCmd replays a trace file
func runCmd() *cobra.Command {
	var (
		charging bool
		battery  float64
		full     bool
	)

	cmd := &cobra.Command{
		Use:   "run <trace.jsonl>",
		Short: "Replay a trace and print the reported positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			events, err := replay.ReadTrace(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			logger := logx.NewWithOutput(logLevel, cmd.ErrOrStderr())
			player := replay.NewPlayer(config.Sampling(), replay.Options{
				DeviceID:        config.Main.DeviceID,
				InitialCharging: charging,
				InitialBattery:  battery,
				Logger:          logger,
			})
			result, err := player.Run(context.Background(), events)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if full {
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			for _, pos := range result.Positions {
				if err := enc.Encode(pos); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d events, %d accepted, %d rejected, %d reported, %d errors\n",
				len(events),
				result.Status.Counters.Accepted,
				result.Status.Counters.Rejected,
				len(result.Positions),
				len(result.Errors),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&charging, "charging", false, "Initial charging state")
	cmd.Flags().Float64Var(&battery, "battery", 100, "Initial battery level")
	cmd.Flags().BoolVar(&full, "full", false, "Print the full result including decisions and events")
	return cmd
}

// configCmd prints the effective configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Config   *uci.Config `json:"config"`
				Sampling interface{} `json:"sampling"`
			}{config, config.Sampling()})
		},
	}
}
