package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/aprudkin/whisper-bot/internal/config"
	"github.com/aprudkin/whisper-bot/internal/health"

	"github.com/spf13/cobra"
)

var (
	healthAddr    string
	healthTimeout time.Duration
)

// healthcheckCmd is the container probe; a non-zero exit means unhealthy
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe the health endpoint of a running bot",
	Long: `Probe the health endpoint of a running bot.
The address is taken from --addr, or else from the same .env, environment
and CONFIG_PATH sources the bot reads. An empty HEALTH_ADDR means the bot
runs without a health server and the probe succeeds without a request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := resolveHealthAddr(cmd)
		if err != nil {
			return err
		}
		if addr == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "health server disabled")
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		if err := health.Check(ctx, addr); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func init() {
	healthcheckCmd.Flags().StringVar(&healthAddr, "addr", "",
		"health server address (default from HEALTH_ADDR, "+config.DefaultHealthAddr+" if unset)")
	healthcheckCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "probe timeout")
}

// resolveHealthAddr prefers an explicit --addr over the configured address
func resolveHealthAddr(cmd *cobra.Command) (string, error) {
	if cmd.Flags().Changed("addr") {
		return healthAddr, nil
	}

	cfg, err := config.LoadHealthConfig()
	if err != nil {
		return "", err
	}
	return cfg.Addr, nil
}
