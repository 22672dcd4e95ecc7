package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-presence/internal/config"
	"github.com/pelusa-v/pelusa-presence/internal/handlers"
	"github.com/pelusa-v/pelusa-presence/internal/hub"
	"github.com/pelusa-v/pelusa-presence/internal/model"
)

func hubCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the development hub and directory API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Hub.Addr = addr
			}
			if err := cfg.ValidateHub(); err != nil {
				return err
			}
			return runHub(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides hub.addr)")
	return cmd
}

func runHub(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	members := make([]hub.Member, 0, len(cfg.Hub.Users))
	for _, u := range cfg.Hub.Users {
		members = append(members, hub.Member{
			Identity: model.Identity{
				Username:    u.Username,
				Email:       u.Email,
				DisplayName: u.DisplayName,
				Department:  u.Department,
			},
			Calendar: u.Calendar,
		})
	}
	manager := hub.NewManager(hub.NewRoster(members))
	go manager.Start(ctx)

	app := handlers.NewApp(&handlers.Handlers{
		Manager:   manager,
		RateLimit: rate.Limit(cfg.Hub.RateLimit),
		RateBurst: cfg.Hub.RateBurst,
	})

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			log.Warn().Err(err).Str("component", "hub").Msg("shutdown failed")
		}
	}()

	log.Info().Str("component", "hub").Str("addr", cfg.Hub.Addr).Int("users", len(members)).Msg("hub listening")
	return app.Listen(cfg.Hub.Addr)
}
