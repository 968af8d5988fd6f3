// Package gatewaytest provides an in-memory [gateway.Gateway] for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/dhis2-sre/dask-k8s/pkg/gateway"
	"github.com/dhis2-sre/dask-k8s/pkg/template"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
)

// Action is a call that changed the state of the fake.
type Action struct {
	Verb string
	Kind template.Kind
	Name string
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s %s", a.Verb, a.Kind, a.Name)
}

// NewFake returns a fake in which deployments are ready as soon as they are patched and services
// get an address right away.
func NewFake() *Fake {
	return &Fake{
		Host:        "192.168.49.2",
		services:    make(map[string]*corev1.Service),
		deployments: make(map[string]*appsv1.Deployment),
		ready:       make(map[string][]int32),
		failures:    make(map[string]error),
	}
}

// Fake implements [gateway.Gateway] in memory. Services resolve to Host and their port plus 22000,
// mimicking a node port.
type Fake struct {
	// Host is the host of every service address.
	Host string
	// AddressAfter is the number of ServiceAddress calls per service reporting no address yet.
	AddressAfter int
	// CheckErr is returned by Check.
	CheckErr error

	mu               sync.Mutex
	services         map[string]*corev1.Service
	deployments      map[string]*appsv1.Deployment
	ready            map[string][]int32
	failures         map[string]error
	addressCalls     map[string]int
	statusCalls      int
	actions          []Action
	closed           bool
	blockCreate      string
	blockCreateReady chan struct{}
}

// Fail makes the call of verb (create, patch, delete, status or address) on the resource fail with
// err.
func (f *Fake) Fail(verb string, kind template.Kind, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[failureKey(verb, kind, name)] = err
}

// SetReadySequence scripts the ready replicas reported by successive DeploymentStatus calls for the
// deployment. The last value is repeated once the sequence is used up.
func (f *Fake) SetReadySequence(namespace, name string, ready ...int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready[key(namespace, name)] = ready
}

// BlockCreate makes creating the resource of given name wait until the context of the call is done.
// The returned channel is closed once the create call is waiting.
func (f *Fake) BlockCreate(name string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockCreate = name
	f.blockCreateReady = make(chan struct{})
	return f.blockCreateReady
}

func (f *Fake) Check(_ context.Context, _ string) error {
	return f.CheckErr
}

func (f *Fake) CreateService(ctx context.Context, service *corev1.Service) error {
	if err := f.block(ctx, service.Name); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failure("create", template.KindService, service.Name); err != nil {
		return err
	}
	k := key(service.Namespace, service.Name)
	if _, ok := f.services[k]; ok {
		return errdef.NewConflict("service %q already exists", service.Name)
	}
	f.services[k] = service.DeepCopy()
	f.actions = append(f.actions, Action{Verb: "create", Kind: template.KindService, Name: service.Name})
	return nil
}

func (f *Fake) CreateDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	if err := f.block(ctx, deployment.Name); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failure("create", template.KindDeployment, deployment.Name); err != nil {
		return err
	}
	k := key(deployment.Namespace, deployment.Name)
	if _, ok := f.deployments[k]; ok {
		return errdef.NewConflict("deployment %q already exists", deployment.Name)
	}
	f.deployments[k] = deployment.DeepCopy()
	f.actions = append(f.actions, Action{Verb: "create", Kind: template.KindDeployment, Name: deployment.Name})
	return nil
}

func (f *Fake) block(ctx context.Context, name string) error {
	f.mu.Lock()
	if f.blockCreate != name {
		f.mu.Unlock()
		return nil
	}
	ready := f.blockCreateReady
	f.blockCreate = ""
	f.mu.Unlock()

	close(ready)
	<-ctx.Done()
	return ctx.Err()
}

func (f *Fake) PatchDeploymentReplicas(_ context.Context, namespace, name string, replicas int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failure("patch", template.KindDeployment, name); err != nil {
		return err
	}
	deployment, ok := f.deployments[key(namespace, name)]
	if !ok {
		return errdef.NewNotFound("deployment %q not found", name)
	}
	deployment.Spec.Replicas = &replicas
	f.actions = append(f.actions, Action{Verb: "patch", Kind: template.KindDeployment, Name: name})
	return nil
}

func (f *Fake) DeploymentStatus(_ context.Context, namespace, name string) (gateway.DeploymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++
	if err := f.failure("status", template.KindDeployment, name); err != nil {
		return gateway.DeploymentStatus{}, err
	}
	k := key(namespace, name)
	deployment, ok := f.deployments[k]
	if !ok {
		return gateway.DeploymentStatus{}, errdef.NewNotFound("deployment %q not found", name)
	}

	replicas := *deployment.Spec.Replicas
	ready := replicas
	if sequence := f.ready[k]; len(sequence) > 0 {
		ready = sequence[0]
		if len(sequence) > 1 {
			f.ready[k] = sequence[1:]
		}
	}
	return gateway.DeploymentStatus{Replicas: replicas, ReadyReplicas: ready}, nil
}

// StatusCalls returns how often DeploymentStatus was called.
func (f *Fake) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *Fake) ServiceAddress(_ context.Context, namespace, name string) (gateway.Address, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failure("address", template.KindService, name); err != nil {
		return gateway.Address{}, false, err
	}
	k := key(namespace, name)
	service, ok := f.services[k]
	if !ok {
		return gateway.Address{}, false, errdef.NewNotFound("service %q not found", name)
	}

	if f.addressCalls == nil {
		f.addressCalls = make(map[string]int)
	}
	f.addressCalls[k]++
	if f.addressCalls[k] <= f.AddressAfter {
		return gateway.Address{}, false, nil
	}
	return gateway.Address{Host: f.Host, Port: service.Spec.Ports[0].Port + 22000}, true, nil
}

func (f *Fake) Delete(_ context.Context, kind template.Kind, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failure("delete", kind, name); err != nil {
		return err
	}
	k := key(namespace, name)
	var found bool
	switch kind {
	case template.KindService:
		_, found = f.services[k]
		delete(f.services, k)
	case template.KindDeployment:
		_, found = f.deployments[k]
		delete(f.deployments, k)
	}
	if !found {
		return errdef.NewNotFound("%s %q not found", kind, name)
	}
	f.actions = append(f.actions, Action{Verb: "delete", Kind: kind, Name: name})
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed returns true if Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Actions returns the successful create, patch and delete calls in order.
func (f *Fake) Actions() []Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.actions)
}

// Resources returns the names of the existing resources labelled with given cluster id, prefixed by
// their kind.
func (f *Fake) Resources(identity template.Identity) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var resources []string
	for _, s := range f.services {
		if s.Namespace == identity.Namespace && s.Labels[template.LabelUser] == identity.ClusterID {
			resources = append(resources, string(template.KindService)+"/"+s.Name)
		}
	}
	for _, d := range f.deployments {
		if d.Namespace == identity.Namespace && d.Labels[template.LabelUser] == identity.ClusterID {
			resources = append(resources, string(template.KindDeployment)+"/"+d.Name)
		}
	}
	slices.Sort(resources)
	return resources
}

// Deployment returns a copy of the deployment or nil if it does not exist.
func (f *Fake) Deployment(namespace, name string) *appsv1.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := f.deployments[key(namespace, name)]; ok {
		return d.DeepCopy()
	}
	return nil
}

func (f *Fake) failure(verb string, kind template.Kind, name string) error {
	return f.failures[failureKey(verb, kind, name)]
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

func failureKey(verb string, kind template.Kind, name string) string {
	return verb + " " + string(kind) + " " + name
}
