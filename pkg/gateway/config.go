package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/anthhub/forwarder"
	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/dhis2-sre/dask-k8s/pkg/config"
	"github.com/getsops/sops/v3/cmd/sops/formats"
	"github.com/getsops/sops/v3/decrypt"
	"gopkg.in/yaml.v3"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewKubernetesFromConfig creates a gateway using the configured kubeconfig. A kubeconfig encrypted
// using sops is decrypted first. Without any kubeconfig the in-cluster configuration is used.
// ClusterIP services are reached through port-forwards if portForward is set.
func NewKubernetesFromConfig(logger *slog.Logger, cfg config.Kubernetes, portForward bool) (*Kubernetes, error) {
	restConfig, kubeconfig, err := loadConfig(cfg)
	if err != nil {
		return nil, err
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errdef.NewAuthentication("failed to create Kubernetes client: %v", err)
	}

	options := []Option{WithLogger(logger)}
	if portForward {
		if kubeconfig == nil {
			return nil, errdef.NewAuthentication("port forwarding requires a kubeconfig")
		}
		options = append(options, WithPortForward(kubeconfig))
	}
	return NewKubernetes(client, options...), nil
}

// loadConfig returns the REST config and, unless running in-cluster, the kubeconfig it was created
// from.
func loadConfig(cfg config.Kubernetes) (*rest.Config, []byte, error) {
	var kubeconfig []byte
	if cfg.Kubeconfig != "" {
		data, err := os.ReadFile(cfg.Kubeconfig) // #nosec
		if err != nil {
			return nil, nil, errdef.NewAuthentication("failed to read kubeconfig: %v", err)
		}
		kubeconfig, err = decryptIfEncrypted(data)
		if err != nil {
			return nil, nil, errdef.NewAuthentication("failed to decrypt kubeconfig %q: %v", cfg.Kubeconfig, err)
		}
	} else {
		raw, err := clientcmd.NewDefaultClientConfigLoadingRules().Load()
		if err != nil {
			return nil, nil, errdef.NewAuthentication("failed to load kubeconfig: %v", err)
		}
		if len(raw.Contexts) == 0 {
			restConfig, err := rest.InClusterConfig()
			if err != nil {
				return nil, nil, errdef.NewAuthentication("no kubeconfig found and not running in Kubernetes: %v", err)
			}
			return restConfig, nil, nil
		}
		kubeconfig, err = clientcmd.Write(*raw)
		if err != nil {
			return nil, nil, errdef.NewAuthentication("failed to serialize kubeconfig: %v", err)
		}
	}

	clientConfig, err := clientcmd.NewClientConfigFromBytes(kubeconfig)
	if err != nil {
		return nil, nil, errdef.NewAuthentication("invalid kubeconfig: %v", err)
	}
	raw, err := clientConfig.RawConfig()
	if err != nil {
		return nil, nil, errdef.NewAuthentication("invalid kubeconfig: %v", err)
	}
	if cfg.Context != "" {
		if _, ok := raw.Contexts[cfg.Context]; !ok {
			return nil, nil, errdef.NewAuthentication("kubeconfig has no context %q", cfg.Context)
		}
		raw.CurrentContext = cfg.Context
		// port-forwards read the current context from the kubeconfig
		kubeconfig, err = clientcmd.Write(raw)
		if err != nil {
			return nil, nil, errdef.NewAuthentication("failed to serialize kubeconfig: %v", err)
		}
	}

	restConfig, err := clientcmd.NewDefaultClientConfig(raw, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, nil, errdef.NewAuthentication("invalid kubeconfig: %v", err)
	}
	return restConfig, kubeconfig, nil
}

// decryptIfEncrypted decrypts data using sops if it carries sops metadata.
func decryptIfEncrypted(data []byte) ([]byte, error) {
	var document map[string]any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, err
	}
	if _, ok := document["sops"]; !ok {
		return data, nil
	}

	return decrypt.DataWithFormat(data, formats.FormatFromString("yaml"))
}

func embedConfigForwarder(kubeconfig []byte) forwardFunc {
	return func(ctx context.Context, namespace, service string, port int32) (uint16, func(), error) {
		options := []*forwarder.Option{
			{
				RemotePort:  int(port),
				ServiceName: service,
				Namespace:   namespace,
			},
		}

		// the forward outlives the request resolving the address
		forwardCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		ret, err := forwarder.WithForwardersEmbedConfig(forwardCtx, options, kubeconfig)
		if err != nil {
			cancel()
			return 0, nil, fmt.Errorf("failed to forward service %q: %v", service, err)
		}

		ports, err := ret.Ready()
		if err != nil {
			ret.Close()
			cancel()
			return 0, nil, fmt.Errorf("failed to forward service %q: %v", service, err)
		}

		stop := func() {
			ret.Close()
			cancel()
		}
		return ports[0][0].Local, stop, nil
	}
}
