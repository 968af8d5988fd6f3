package main

import (
	"fmt"
	"os"

	"github.com/dhis2-sre/dask-k8s/internal/log"
	"github.com/dhis2-sre/dask-k8s/pkg/cluster"
	"github.com/dhis2-sre/dask-k8s/pkg/config"
	"github.com/dhis2-sre/dask-k8s/pkg/gateway"
	"github.com/spf13/cobra"
)

func newDownCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Delete every resource of a cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.NewLogger(os.Stderr, cfg.Log.SlogLevel(), cfg.Log.Pretty)

			gw, err := gateway.NewKubernetesFromConfig(logger, cfg.Kubernetes, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = gw.Close()
			}()

			identity := cfg.Cluster.Identity()
			if err := cluster.Release(cmd.Context(), gw, logger, identity); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted cluster %s\n", identity)
			return err
		},
	}
}
