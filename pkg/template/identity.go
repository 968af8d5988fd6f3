package template

import (
	"context"
	"strings"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Identity uniquely names the resources of one Dask cluster. Every resource created for a cluster
// carries its identity in its name and labels.
type Identity struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	ClusterID string `json:"clusterId" yaml:"clusterId"`
}

type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
)

const (
	LabelApp       = "app"
	LabelUser      = "user"
	LabelName      = "app.kubernetes.io/name"
	LabelInstance  = "app.kubernetes.io/instance"
	LabelComponent = "app.kubernetes.io/component"
	LabelPartOf    = "app.kubernetes.io/part-of"
	LabelManagedBy = "app.kubernetes.io/managed-by"
)

// ManagedBy is the value of the managed-by label on every resource.
const ManagedBy = "dask-k8s"

// SchedulerName is the name of the scheduler service and the scheduler deployment.
func (i Identity) SchedulerName() string {
	return "dask-scheduler-" + i.ClusterID
}

// DashboardName is the name of the service exposing the scheduler dashboard.
func (i Identity) DashboardName() string {
	return i.SchedulerName() + "-dashboard"
}

// WorkersName is the name of the worker deployment.
func (i Identity) WorkersName() string {
	return "dask-workers-" + i.ClusterID
}

func (i Identity) String() string {
	return i.Namespace + "/" + i.ClusterID
}

// Validate returns a validation error if the namespace or cluster id is empty or any name derived
// from them is not a valid Kubernetes name.
func (i Identity) Validate() error {
	if i.Namespace == "" {
		return errdef.NewValidation("namespace must not be empty")
	}
	if i.ClusterID == "" {
		return errdef.NewValidation("cluster id must not be empty")
	}

	if errs := validation.IsDNS1123Label(i.Namespace); len(errs) > 0 {
		return errdef.NewValidation("invalid namespace %q: %s", i.Namespace, strings.Join(errs, "; "))
	}
	if errs := validation.IsValidLabelValue(i.ClusterID); len(errs) > 0 {
		return errdef.NewValidation("invalid cluster id %q: %s", i.ClusterID, strings.Join(errs, "; "))
	}

	for _, name := range []string{i.SchedulerName(), i.DashboardName()} {
		if errs := validation.IsDNS1035Label(name); len(errs) > 0 {
			return errdef.NewValidation("invalid cluster id %q, service name %q: %s", i.ClusterID, name, strings.Join(errs, "; "))
		}
	}
	for _, name := range []string{i.SchedulerName(), i.WorkersName()} {
		if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
			return errdef.NewValidation("invalid cluster id %q, deployment name %q: %s", i.ClusterID, name, strings.Join(errs, "; "))
		}
	}

	return nil
}

// SelectorLabels returns the labels used to select the pods of given role. They are a subset of
// [Identity.Labels].
func (i Identity) SelectorLabels(role Role) map[string]string {
	app := "dask-scheduler"
	if role == RoleWorker {
		app = "dask-workers"
	}
	return map[string]string{
		LabelApp:  app,
		LabelUser: i.ClusterID,
	}
}

// Labels returns all labels put on resources and pods of given role.
func (i Identity) Labels(role Role) map[string]string {
	l := i.SelectorLabels(role)
	l[LabelName] = "dask"
	l[LabelInstance] = i.ClusterID
	l[LabelComponent] = string(role)
	l[LabelPartOf] = "dask-cluster"
	l[LabelManagedBy] = ManagedBy
	return l
}

// Selector returns the label selector matching the pods of given role.
func (i Identity) Selector(role Role) string {
	return labels.SelectorFromSet(i.SelectorLabels(role)).String()
}

type ctxKey int

var identityKey ctxKey

// NewContextWithIdentity returns a new [context.Context] that carries the cluster identity. Loggers
// using the context aware handler add it to every log line.
func NewContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the cluster identity stored in ctx, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}
