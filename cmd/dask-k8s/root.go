package main

import (
	"github.com/dhis2-sre/dask-k8s/pkg/config"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfg config.Config

	rootCmd := &cobra.Command{
		Use:          "dask-k8s",
		Short:        "Run Dask clusters on Kubernetes",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML config file overriding the environment")
	flags.StringP("namespace", "n", "", "Kubernetes namespace of the cluster")
	flags.String("cluster-id", "", "Id of the cluster, defaults to the user name")
	flags.String("kubeconfig", "", "Path to the kubeconfig, may be encrypted using sops")
	flags.String("context", "", "Kubeconfig context to use")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newUpCmd(&cfg), newDownCmd(&cfg))
	return rootCmd
}

// loadConfig reads the environment, then the config file, then the flags set on the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if path, _ := flags.GetString("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return config.Config{}, err
		}
	}

	overrides := map[string]*string{
		"namespace":  &cfg.Cluster.Namespace,
		"cluster-id": &cfg.Cluster.ID,
		"kubeconfig": &cfg.Kubernetes.Kubeconfig,
		"context":    &cfg.Kubernetes.Context,
		"log-level":  &cfg.Log.Level,
		"listen":     &cfg.Listen,
		"image":      &cfg.Cluster.Image,
		"exposure":   &cfg.Cluster.Exposure,
	}
	for name, field := range overrides {
		if flags.Changed(name) {
			*field, _ = flags.GetString(name)
		}
	}
	if flags.Changed("workers") {
		cfg.Cluster.Workers, _ = flags.GetInt("workers")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
