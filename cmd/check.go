package cmd

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pverani/bluehub/internal/bluetooth"
	"github.com/pverani/bluehub/internal/config"
	"github.com/pverani/bluehub/internal/whitelist"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check configuration, whitelist and Bluetooth stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			path := configPath()

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log.Info().Str("config", path).Msg("checking configuration")

			if err := cfg.Validate(); err != nil {
				log.Err(err).Msg("config validation failed")

				return err
			}

			log.Info().Str("listen", cfg.HTTP.Listen).Str("adapter", cfg.Bluetooth.Adapter).Msg("config ok")

			// Check whitelist file
			store := whitelist.NewFileStore(cfg.Whitelist.Path)

			entries, err := store.Load()
			if err != nil {
				log.Err(err).Str("path", cfg.Whitelist.Path).Msg("whitelist load failed")

				return err
			}

			log.Info().Int("entries", len(entries)).Str("path", cfg.Whitelist.Path).Msg("whitelist ok")

			// Check system tools
			checkSystemTools(ctx)

			// Check the Bluetooth stack is reachable
			if _, err := bluetooth.NewBlueZ(cfg.Bluetooth.Adapter); err != nil {
				log.Err(err).Msg("bluetooth stack check failed")

				return err
			}

			log.Info().Msg("system check completed successfully")

			return nil
		},
	}

	return cmd
}

func checkSystemTools(ctx context.Context) {
	log := zerolog.Ctx(ctx)

	for _, tool := range []string{"bluetoothctl", "hciconfig"} {
		if _, err := exec.LookPath(tool); err != nil {
			log.Warn().Str("tool", tool).Msg("tool not found")

			continue
		}

		log.Debug().Str("tool", tool).Msg("tool found")
	}
}
