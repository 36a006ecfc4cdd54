package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/ConvertDrop/internal/app"
	"github.com/dharsanguruparan/ConvertDrop/internal/config"
	"github.com/dharsanguruparan/ConvertDrop/internal/logging"
)

type roleSpec struct {
	role  app.Role
	short string
}

var (
	roleAPI        = roleSpec{app.RoleAPI, "Serve the HTTP API (uploads and status queries)"}
	roleWorker     = roleSpec{app.RoleWorker, "Consume processing requests and convert files"}
	roleResults    = roleSpec{app.RoleResults, "Consume processing results and record outcomes"}
	roleDeadLetter = roleSpec{app.RoleDeadLetter, "Consume both dead-letter queues"}
)

func newRoleCmd(spec roleSpec) *cobra.Command {
	return &cobra.Command{
		Use:   string(spec.role),
		Short: spec.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Memory {
				return fmt.Errorf("%s cannot share in-memory queues with other processes; use serve --memory", spec.role)
			}
			return run(cmd, cfg, spec.role)
		},
	}
}

func newServeCmd() *cobra.Command {
	var memory bool
	var roles []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every role in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(func(c *config.Config) {
				if memory {
					c.Memory = true
				}
			})
			if err != nil {
				return err
			}
			selected := app.AllRoles()
			if len(roles) > 0 {
				if selected, err = app.ParseRoles(roles); err != nil {
					return err
				}
			}
			return run(cmd, cfg, selected...)
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "Use in-memory storage, queues and persistence")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Subset of roles to run (api,worker,results,deadletter)")
	return cmd
}

func run(cmd *cobra.Command, cfg *config.Config, roles ...app.Role) error {
	log := newLogger(cfg)
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}()

	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	log.Info().Strs("roles", names).Bool("memory", cfg.Memory).Msg("starting")
	if err := a.Run(ctx, roles...); err != nil {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
}
