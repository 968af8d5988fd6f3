package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dhis2-sre/dask-k8s/internal/log"
	"github.com/dhis2-sre/dask-k8s/internal/server"
	"github.com/dhis2-sre/dask-k8s/internal/tracing"
	"github.com/dhis2-sre/dask-k8s/pkg/cluster"
	"github.com/dhis2-sre/dask-k8s/pkg/config"
	"github.com/dhis2-sre/dask-k8s/pkg/dask"
	"github.com/dhis2-sre/dask-k8s/pkg/event"
	"github.com/dhis2-sre/dask-k8s/pkg/gateway"
	"github.com/dhis2-sre/dask-k8s/pkg/poll"
	"github.com/dhis2-sre/dask-k8s/pkg/template"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newUpCmd(cfg *config.Config) *cobra.Command {
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Create a cluster and keep it running until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			noWait, err := cmd.Flags().GetBool("no-wait")
			if err != nil {
				return err
			}
			return runUp(cmd.Context(), cmd.OutOrStdout(), *cfg, !noWait)
		},
	}

	flags := upCmd.Flags()
	flags.IntP("workers", "w", 0, "Number of workers")
	flags.Bool("no-wait", false, "Do not wait for the workers to be ready")
	flags.String("listen", "", "Address to serve the control API on, like :8080")
	flags.String("image", "", "Image of the scheduler and workers")
	flags.String("exposure", "", "How the scheduler is reached: NodePort, LoadBalancer, ClusterIP or PortForward")
	return upCmd
}

func runUp(ctx context.Context, out io.Writer, cfg config.Config, wait bool) error {
	logger := log.NewLogger(os.Stderr, cfg.Log.SlogLevel(), cfg.Log.Pretty)
	slog.SetDefault(logger)

	if cfg.JaegerEndpoint != "" {
		provider, err := tracing.NewJaegerProvider(cfg.JaegerEndpoint, server.ServiceName)
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("Failed to shut down tracer provider", "error", err)
			}
		}()
	}

	options, err := cfg.Cluster.TemplateOptions()
	if err != nil {
		return err
	}

	gw, err := gateway.NewKubernetesFromConfig(logger, cfg.Kubernetes, options.Exposure == template.ExposurePortForward)
	if err != nil {
		return err
	}
	defer func() {
		_ = gw.Close()
	}()

	broker := event.NewBroker()
	timeouts := cfg.Timeouts
	c, err := cluster.New(cfg.Cluster.Identity(), gw, dask.NewDialer(timeouts.DialTimeout),
		cluster.WithTemplate(options),
		cluster.WithNotifier(event.Notifiers{event.NewPrinter(out), broker}),
		cluster.WithLogger(logger),
		cluster.WithEndpointPolicy(poll.Policy{Interval: timeouts.EndpointInterval, Timeout: timeouts.EndpointTimeout}),
		cluster.WithConnectPolicy(poll.Policy{Interval: timeouts.ConnectInterval, Timeout: timeouts.ConnectTimeout, MaxAttempts: timeouts.ConnectMaxAttempts}),
		cluster.WithScalePolicy(poll.Policy{Interval: timeouts.ScaleInterval, Timeout: timeouts.ScaleTimeout}),
		cluster.WithCloseTimeout(timeouts.CloseTimeout),
	)
	if err != nil {
		return err
	}

	return cluster.With(ctx, c, func(ctx context.Context, c *cluster.Cluster) error {
		if _, err := c.Scale(ctx, cfg.Cluster.Workers, wait); err != nil {
			return err
		}
		if _, err := c.MakeClient(ctx); err != nil {
			return err
		}
		logger.InfoContext(ctx, "Cluster is up, interrupt to delete it", "cluster", c.Identity().String())

		if cfg.Listen == "" {
			<-ctx.Done()
			return nil
		}
		return serve(ctx, logger, cfg, c, broker)
	})
}

// serve serves the control API until ctx is cancelled.
func serve(ctx context.Context, logger *slog.Logger, cfg config.Config, c *cluster.Cluster, broker *event.Broker) error {
	engine := server.GetEngine(logger, cfg.BasePath)
	router := engine.Group(cfg.BasePath)
	cluster.Routes(router, cluster.NewHandler(c))
	event.Routes(router, event.NewHandler(logger, broker))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           engine.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(ctx, "Serving control API", "address", cfg.Listen)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
