package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pverani/bluehub/internal/bluetooth"
	"github.com/pverani/bluehub/internal/config"
	"github.com/pverani/bluehub/internal/events"
	"github.com/pverani/bluehub/internal/httpapi"
	"github.com/pverani/bluehub/internal/logbuf"
	"github.com/pverani/bluehub/internal/metrics"
	"github.com/pverani/bluehub/internal/orchestrator"
	"github.com/pverani/bluehub/internal/registry"
	"github.com/pverani/bluehub/internal/scan"
	"github.com/pverani/bluehub/internal/version"
	"github.com/pverani/bluehub/internal/whitelist"
)

func newRunCmd() *cobra.Command { //nolint:funlen
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bluehub daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			// Log version information at startup
			log.Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Msg("bluehub starting")

			path := configPath()

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			metrics.SetService(cfg.AppName)
			metrics.RegisterCollectors()
			log.Info().Str("config", path).Msg("starting")

			bus := events.NewBroadcaster(cfg.Events.SubscriberBuffer)

			logs := logbuf.New(cfg.Log.BufferCapacity, *log)
			logs.SetOnAppend(func(e logbuf.Entry) {
				bus.Publish(events.Event{Type: events.TypeLogUpdate, Data: e})
			})

			store := whitelist.NewFileStore(cfg.Whitelist.Path)

			entries, err := store.Load()
			if err != nil {
				return err
			}

			wl := whitelist.New(entries)
			wl.SetOnChange(func(entries []whitelist.Entry) {
				if err := store.Save(entries); err != nil {
					log.Err(err).Str("path", cfg.Whitelist.Path).Msg("whitelist save failed")
				}
			})

			reg := registry.New()

			adapter, err := bluetooth.NewBlueZ(cfg.Bluetooth.Adapter)
			if err != nil {
				return err
			}

			scanner := scan.New(adapter, reg, wl, bus, logs, scan.Options{
				BroadcastInterval: cfg.Events.BroadcastInterval,
				AnnounceWindow:    cfg.Bluetooth.AnnounceWindow,
			})

			orch := orchestrator.New(adapter, reg, wl, bus, logs, orchestrator.Options{
				ConnectTimeout: cfg.Bluetooth.ConnectTimeout,
				MaxAttempts:    cfg.Bluetooth.MaxConnectionAttempts,
			})

			if cfg.Whitelist.Watch {
				go func() {
					if err := store.Watch(ctx, wl.Reload); err != nil {
						log.Err(err).Msg("whitelist watch failed")
					}
				}()
			}

			srv := httpapi.NewServer(cfg, reg, wl, scanner, orch, bus, logs)
			srv.SetVersion(version.GetVersion(), version.GetBuildTime())

			if err := srv.Start(ctx); err != nil {
				return err
			}

			metrics.SetReady(true)
			logs.Info("bluehub started")

			<-ctx.Done()

			scanner.StopAll(ctx)

			return nil
		},
	}
}
