package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/studiora/mentorcore/config"
	"github.com/studiora/mentorcore/internal/cache"
	srv "github.com/studiora/mentorcore/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the operational HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
			mgr := cache.NewManager(cfg.Cache, logger)
			defer func() { _ = mgr.Shutdown() }()

			return srv.Run(cfg.Server.Address, mgr, nil)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return serve
}
