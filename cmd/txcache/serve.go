package main

import (
	"github.com/spf13/cobra"

	"github.com/gofhir/txcache"
	"github.com/gofhir/txcache/pkg/logger"
	"github.com/gofhir/txcache/server"
)

func (a *App) newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the terminology operations over HTTP",
		Long: `Serve $validate-code, $lookup, $expand and $translate over HTTP, backed by
the caching provider stack. Cache statistics are exported on /metrics and
DELETE /cache invalidates every cache.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := server.New(svc.Provider(),
				server.WithCollectors(txcache.NewCollector(server.MetricsNamespace, svc)),
				server.WithInvalidator(svc.InvalidateCaches),
				server.WithVersion(txcache.Version),
				server.WithLogger(logger.Component("server")),
			)
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}
