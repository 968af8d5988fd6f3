// Command dask-k8s runs Dask clusters on Kubernetes.
//
// up creates a cluster, scales it to the configured number of workers and keeps it running until
// interrupted. The cluster is deleted on exit. down deletes a cluster left behind by an up which
// could not clean up after itself.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// signalContext is cancelled on the first SIGINT or SIGTERM. A second signal exits immediately.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()

		<-c
		os.Exit(1)
	}()

	return ctx
}

func main() {
	if err := newRootCmd().ExecuteContext(signalContext()); err != nil {
		os.Exit(1)
	}
}
