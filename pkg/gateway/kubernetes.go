package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/dhis2-sre/dask-k8s/pkg/template"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

// forwardFunc forwards a random local port to the port of a service. stop ends the forward.
type forwardFunc func(ctx context.Context, namespace, service string, port int32) (local uint16, stop func(), err error)

type Option func(*Kubernetes)

// WithLogger sets the logger used to report transient failures.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kubernetes) {
		k.logger = logger
	}
}

// WithPortForward resolves ClusterIP services to local ports forwarded to the service using the
// given kubeconfig.
func WithPortForward(kubeconfig []byte) Option {
	return func(k *Kubernetes) {
		k.forward = embedConfigForwarder(kubeconfig)
	}
}

func NewKubernetes(client kubernetes.Interface, options ...Option) *Kubernetes {
	k := &Kubernetes{
		client:   client,
		logger:   slog.Default(),
		forwards: make(map[string]forward),
	}
	for _, option := range options {
		option(k)
	}
	return k
}

// Kubernetes implements [Gateway] using client-go.
type Kubernetes struct {
	client  kubernetes.Interface
	logger  *slog.Logger
	forward forwardFunc

	mu       sync.Mutex
	forwards map[string]forward
}

type forward struct {
	address Address
	stop    func()
}

func (k *Kubernetes) Check(ctx context.Context, namespace string) error {
	_, err := k.client.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return errdef.NewAuthentication("failed to access namespace %q: %w", namespace, err)
	}
	return nil
}

func (k *Kubernetes) CreateService(ctx context.Context, service *corev1.Service) error {
	_, err := k.client.CoreV1().Services(service.Namespace).Create(ctx, service, metav1.CreateOptions{})
	if err != nil {
		return mapError(err, "failed to create service %q", service.Name)
	}
	return nil
}

func (k *Kubernetes) CreateDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	_, err := k.client.AppsV1().Deployments(deployment.Namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil {
		return mapError(err, "failed to create deployment %q", deployment.Name)
	}
	return nil
}

func (k *Kubernetes) PatchDeploymentReplicas(ctx context.Context, namespace, name string, replicas int32) error {
	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{"replicas": replicas},
	})
	if err != nil {
		return err
	}

	_, err = k.client.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return mapError(err, "failed to patch replicas of deployment %q", name)
	}
	return nil
}

func (k *Kubernetes) DeploymentStatus(ctx context.Context, namespace, name string) (DeploymentStatus, error) {
	deployment, err := k.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return DeploymentStatus{}, mapError(err, "failed to get deployment %q", name)
	}

	var replicas int32
	if deployment.Spec.Replicas != nil {
		replicas = *deployment.Spec.Replicas
	}
	return DeploymentStatus{
		Replicas:      replicas,
		ReadyReplicas: deployment.Status.ReadyReplicas,
	}, nil
}

func (k *Kubernetes) ServiceAddress(ctx context.Context, namespace, name string) (Address, bool, error) {
	service, err := k.client.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return Address{}, false, mapError(err, "failed to get service %q", name)
	}
	if len(service.Spec.Ports) == 0 {
		return Address{}, false, errdef.NewValidation("service %q has no ports", name)
	}
	port := service.Spec.Ports[0]

	switch service.Spec.Type {
	case corev1.ServiceTypeLoadBalancer:
		for _, ingress := range service.Status.LoadBalancer.Ingress {
			host := ingress.IP
			if host == "" {
				host = ingress.Hostname
			}
			if host != "" {
				return Address{Host: host, Port: port.Port}, true, nil
			}
		}
		return Address{}, false, nil
	case corev1.ServiceTypeNodePort:
		if port.NodePort == 0 {
			return Address{}, false, nil
		}
		host, ok, err := k.podHostIP(ctx, namespace, service.Spec.Selector)
		if err != nil || !ok {
			return Address{}, false, err
		}
		return Address{Host: host, Port: port.NodePort}, true, nil
	default:
		if k.forward != nil {
			return k.portForward(ctx, namespace, name, port.Port)
		}
		if service.Spec.ClusterIP == "" || service.Spec.ClusterIP == corev1.ClusterIPNone {
			return Address{}, false, nil
		}
		return Address{Host: service.Spec.ClusterIP, Port: port.Port}, true, nil
	}
}

// podHostIP returns the IP of the node running a pod matched by selector. A node port is open on
// every node so any of them would do.
func (k *Kubernetes) podHostIP(ctx context.Context, namespace string, selector map[string]string) (string, bool, error) {
	pods, err := k.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return "", false, mapError(err, "failed to list pods")
	}

	for _, pod := range pods.Items {
		if pod.Status.HostIP != "" {
			return pod.Status.HostIP, true, nil
		}
	}
	return "", false, nil
}

func (k *Kubernetes) portForward(ctx context.Context, namespace, name string, port int32) (Address, bool, error) {
	key := namespace + "/" + name

	k.mu.Lock()
	defer k.mu.Unlock()

	if f, ok := k.forwards[key]; ok {
		return f.address, true, nil
	}

	local, stop, err := k.forward(ctx, namespace, name, port)
	if err != nil {
		// the scheduler pod is most likely not running yet
		k.logger.DebugContext(ctx, "Failed to forward port", "service", name, "error", err)
		return Address{}, false, nil
	}

	address := Address{Host: "localhost", Port: int32(local)}
	k.forwards[key] = forward{address: address, stop: stop}
	return address, true, nil
}

func (k *Kubernetes) stopForward(namespace, name string) {
	key := namespace + "/" + name

	k.mu.Lock()
	defer k.mu.Unlock()

	if f, ok := k.forwards[key]; ok {
		f.stop()
		delete(k.forwards, key)
	}
}

func (k *Kubernetes) Delete(ctx context.Context, kind template.Kind, namespace, name string) error {
	propagation := metav1.DeletePropagationBackground
	options := metav1.DeleteOptions{PropagationPolicy: &propagation}

	var err error
	switch kind {
	case template.KindService:
		k.stopForward(namespace, name)
		err = k.client.CoreV1().Services(namespace).Delete(ctx, name, options)
	case template.KindDeployment:
		err = k.client.AppsV1().Deployments(namespace).Delete(ctx, name, options)
	default:
		return fmt.Errorf("unsupported kind %q", kind)
	}
	if err != nil {
		return mapError(err, "failed to delete %s %q", kind, name)
	}
	return nil
}

func (k *Kubernetes) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key, f := range k.forwards {
		f.stop()
		delete(k.forwards, key)
	}
	return nil
}

func mapError(err error, format string, a ...any) error {
	message := fmt.Sprintf(format, a...)
	switch {
	case apierrors.IsNotFound(err):
		return errdef.NewNotFound("%s: %w", message, err)
	case apierrors.IsAlreadyExists(err), apierrors.IsConflict(err):
		return errdef.NewConflict("%s: %w", message, err)
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return errdef.NewAuthentication("%s: %w", message, err)
	default:
		return fmt.Errorf("%s: %w", message, err)
	}
}
