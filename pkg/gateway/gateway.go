// Package gateway is the only way dask-k8s talks to Kubernetes. It creates, patches, queries and
// deletes the services and deployments of a cluster and resolves the addresses the scheduler can be
// reached on from outside of Kubernetes.
package gateway

import (
	"context"
	"net"
	"strconv"

	"github.com/dhis2-sre/dask-k8s/pkg/template"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
)

// Gateway errors are of the kinds defined in errdef: a missing resource is a not found error, an
// existing one a conflict and rejected credentials an authentication error.
type Gateway interface {
	// Check verifies the credentials allow working in namespace.
	Check(ctx context.Context, namespace string) error
	CreateService(ctx context.Context, service *corev1.Service) error
	CreateDeployment(ctx context.Context, deployment *appsv1.Deployment) error
	// PatchDeploymentReplicas sets the desired replicas. Patching the current value is a no-op.
	PatchDeploymentReplicas(ctx context.Context, namespace, name string, replicas int32) error
	DeploymentStatus(ctx context.Context, namespace, name string) (DeploymentStatus, error)
	// ServiceAddress returns the address the first port of the service is reachable on from
	// outside of Kubernetes. It returns false if no address has been assigned yet.
	ServiceAddress(ctx context.Context, namespace, name string) (Address, bool, error)
	Delete(ctx context.Context, kind template.Kind, namespace, name string) error
	// Close releases local resources like port-forwards. It does not delete anything in Kubernetes.
	Close() error
}

type DeploymentStatus struct {
	Replicas      int32 `json:"replicas"`
	ReadyReplicas int32 `json:"readyReplicas"`
}

type Address struct {
	Host string `json:"host"`
	Port int32  `json:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}
