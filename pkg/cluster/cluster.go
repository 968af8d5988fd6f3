// Package cluster manages the lifecycle of a Dask cluster on Kubernetes. A [Cluster] creates the
// resources of its identity, scales its workers, connects to its scheduler and deletes everything it
// created once closed.
//
// A Cluster is not safe for concurrent use. Callers sharing a cluster between goroutines have to
// serialize calls themselves, as [Handler] does.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/dhis2-sre/dask-k8s/internal/tracing"
	"github.com/dhis2-sre/dask-k8s/pkg/dask"
	"github.com/dhis2-sre/dask-k8s/pkg/event"
	"github.com/dhis2-sre/dask-k8s/pkg/gateway"
	"github.com/dhis2-sre/dask-k8s/pkg/negotiator"
	"github.com/dhis2-sre/dask-k8s/pkg/poll"
	"github.com/dhis2-sre/dask-k8s/pkg/scaler"
	"github.com/dhis2-sre/dask-k8s/pkg/template"
	"github.com/dominikbraun/graph"
)

type State string

const (
	StateUninitialized State = "Uninitialized"
	StateCreated       State = "Created"
	StateClosed        State = "Closed"
)

// DefaultCloseTimeout bounds deleting resources on close and rollback. Deletion is not cancelled
// together with the context of the caller.
const DefaultCloseTimeout = time.Minute

type options struct {
	template       template.Options
	notifier       event.Notifier
	logger         *slog.Logger
	endpointPolicy poll.Policy
	connectPolicy  poll.Policy
	scalePolicy    poll.Policy
	closeTimeout   time.Duration
}

type Option func(*options)

// WithTemplate sets the image, exposure and pod spec overrides of the cluster.
func WithTemplate(opts template.Options) Option {
	return func(o *options) {
		o.template = opts
	}
}

// WithNotifier sets where endpoints, connection retries and scaling progress are reported to.
func WithNotifier(notifier event.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithEndpointPolicy(policy poll.Policy) Option {
	return func(o *options) {
		o.endpointPolicy = policy
	}
}

func WithConnectPolicy(policy poll.Policy) Option {
	return func(o *options) {
		o.connectPolicy = policy
	}
}

func WithScalePolicy(policy poll.Policy) Option {
	return func(o *options) {
		o.scalePolicy = policy
	}
}

func WithCloseTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.closeTimeout = timeout
	}
}

// New creates a cluster of given identity. Nothing is created in Kubernetes until [Cluster.Create]
// is called. A validation error is returned if the identity or overrides are invalid.
func New(identity template.Identity, gw gateway.Gateway, dialer negotiator.Dialer, opts ...Option) (*Cluster, error) {
	o := options{
		notifier:       event.Discard,
		logger:         slog.Default(),
		endpointPolicy: negotiator.DefaultEndpointPolicy,
		connectPolicy:  negotiator.DefaultConnectPolicy,
		scalePolicy:    scaler.DefaultPolicy,
		closeTimeout:   DefaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	resources, err := template.Build(identity, o.template)
	if err != nil {
		return nil, err
	}
	order, err := creationOrder(resources)
	if err != nil {
		return nil, err
	}

	return &Cluster{
		identity:  identity,
		gateway:   gw,
		resources: resources,
		order:     order,
		negotiator: negotiator.New(gw, dialer,
			negotiator.WithEndpointPolicy(o.endpointPolicy),
			negotiator.WithConnectPolicy(o.connectPolicy),
			negotiator.WithNotifier(o.notifier),
			negotiator.WithLogger(o.logger),
		),
		scaler: scaler.New(gw, identity.Namespace, resources.WorkerDeployment.Name,
			scaler.WithPolicy(o.scalePolicy),
			scaler.WithNotifier(o.notifier),
			scaler.WithLogger(o.logger),
		),
		notifier:     o.notifier,
		logger:       o.logger,
		closeTimeout: o.closeTimeout,
		state:        StateUninitialized,
	}, nil
}

type Cluster struct {
	identity     template.Identity
	gateway      gateway.Gateway
	resources    *template.ResourceSet
	order        []template.Resource
	negotiator   *negotiator.Negotiator
	scaler       *scaler.Scaler
	notifier     event.Notifier
	logger       *slog.Logger
	closeTimeout time.Duration

	state State
	// created holds the resources in the order they were created
	created  []template.Resource
	endpoint *dask.Endpoint
	client   *dask.Client
}

func (c *Cluster) Identity() template.Identity {
	return c.identity
}

func (c *Cluster) State() State {
	return c.state
}

// Endpoint returns the endpoint resolved by Create. It returns false if it is not resolved yet.
func (c *Cluster) Endpoint() (dask.Endpoint, bool) {
	if c.endpoint == nil {
		return dask.Endpoint{}, false
	}
	return *c.endpoint, true
}

// creationOrder orders resources so services are created before deployments and the scheduler
// before its workers.
func creationOrder(rs *template.ResourceSet) ([]template.Resource, error) {
	g := graph.New(func(resource template.Resource) string {
		return resource.Key()
	}, graph.Directed(), graph.PreventCycles())

	resources := rs.Resources()
	for _, resource := range resources {
		if err := g.AddVertex(resource); err != nil {
			return nil, fmt.Errorf("failed adding vertex for %q: %v", resource.Key(), err)
		}
	}

	var edges [][2]string
	for _, service := range resources {
		if service.Kind != template.KindService {
			continue
		}
		for _, deployment := range resources {
			if deployment.Kind == template.KindDeployment {
				edges = append(edges, [2]string{service.Key(), deployment.Key()})
			}
		}
	}
	scheduler := template.Resource{Kind: template.KindDeployment, Name: rs.SchedulerDeployment.Name}
	workers := template.Resource{Kind: template.KindDeployment, Name: rs.WorkerDeployment.Name}
	edges = append(edges, [2]string{scheduler.Key(), workers.Key()})

	for _, edge := range edges {
		if err := g.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("failed adding edge from %q to %q: %v", edge[0], edge[1], err)
		}
	}

	keys, err := graph.StableTopologicalSort(g, func(a, b string) bool {
		return a < b
	})
	if err != nil {
		return nil, fmt.Errorf("failed to order resources: %v", err)
	}

	order := make([]template.Resource, 0, len(keys))
	for _, key := range keys {
		resource, err := g.Vertex(key)
		if err != nil {
			return nil, err
		}
		order = append(order, resource)
	}
	return order, nil
}

// Create creates the services and deployments of the cluster and resolves its endpoint. If creating
// any resource fails or ctx is cancelled, every resource created by this call is deleted again.
//
// If the services are not assigned an address in time an endpoint timeout error is returned and the
// resources are kept. Calling Create again then only retries resolving the endpoint.
func (c *Cluster) Create(ctx context.Context) (err error) {
	ctx = template.NewContextWithIdentity(ctx, c.identity)
	ctx, span := tracing.StartSpan(ctx, "Cluster.Create", c.identity)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	switch c.state {
	case StateClosed:
		return errdef.NewClosedCluster("cluster %s is closed", c.identity)
	case StateCreated:
		if c.endpoint != nil {
			return errdef.NewConflict("cluster %s is already created", c.identity)
		}
		return c.resolveEndpoint(ctx, false)
	}

	if err := c.gateway.Check(ctx, c.identity.Namespace); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "Creating cluster")
	for _, resource := range c.order {
		err := c.create(ctx, resource)
		if err != nil {
			rollbackErr := c.rollback(ctx)
			if ctx.Err() != nil {
				return errors.Join(fmt.Errorf("creating cluster %s was cancelled: %w", c.identity, ctx.Err()), rollbackErr)
			}
			return errors.Join(errdef.NewProvisioning("failed to create %s %q of cluster %s: %w", resource.Kind, resource.Name, c.identity, err), rollbackErr)
		}
		c.created = append(c.created, resource)
	}
	c.state = StateCreated

	return c.resolveEndpoint(ctx, true)
}

func (c *Cluster) create(ctx context.Context, resource template.Resource) error {
	c.logger.DebugContext(ctx, "Creating resource", "kind", resource.Kind, "name", resource.Name)
	switch resource.Kind {
	case template.KindService:
		return c.gateway.CreateService(ctx, resource.Service)
	case template.KindDeployment:
		return c.gateway.CreateDeployment(ctx, resource.Deployment)
	default:
		return fmt.Errorf("unsupported kind %q", resource.Kind)
	}
}

// resolveEndpoint resolves the endpoint of a created cluster. Resources created by the current
// call are rolled back unless the failure is an endpoint timeout.
func (c *Cluster) resolveEndpoint(ctx context.Context, createdNow bool) error {
	endpoint, err := c.negotiator.ResolveEndpoint(ctx, c.resources)
	if err == nil {
		c.endpoint = &endpoint
		c.logger.InfoContext(ctx, "Created cluster", "scheduler", endpoint.Scheduler, "dashboard", endpoint.Dashboard)
		return nil
	}
	if errdef.IsEndpointTimeout(err) || !createdNow {
		return err
	}

	rollbackErr := c.rollback(ctx)
	c.state = StateUninitialized
	if ctx.Err() != nil {
		return errors.Join(fmt.Errorf("creating cluster %s was cancelled: %w", c.identity, ctx.Err()), rollbackErr)
	}
	return errors.Join(errdef.NewProvisioning("failed to resolve endpoint of cluster %s: %w", c.identity, err), rollbackErr)
}

// rollback deletes everything created so far. It is not cancelled with ctx.
func (c *Cluster) rollback(ctx context.Context) error {
	c.logger.WarnContext(ctx, "Rolling back cluster", "resources", len(c.created))
	err := c.deleteCreated(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to roll back cluster", "error", err)
	}
	return err
}

// deleteCreated deletes the created resources in reverse order. Resources which are already gone
// are skipped.
func (c *Cluster) deleteCreated(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.closeTimeout)
	defer cancel()

	errs := deleteResources(ctx, c.gateway, c.logger, c.created)
	c.created = nil
	return errors.Join(errs...)
}

// deleteResources deletes resources in reverse order.
func deleteResources(ctx context.Context, gw gateway.Gateway, logger *slog.Logger, resources []template.Resource) []error {
	var errs []error
	for _, resource := range slices.Backward(resources) {
		err := gw.Delete(ctx, resource.Kind, resource.Namespace, resource.Name)
		if errdef.IsNotFound(err) {
			logger.DebugContext(ctx, "Resource already deleted", "kind", resource.Kind, "name", resource.Name)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s %q: %w", resource.Kind, resource.Name, err))
			continue
		}
		logger.DebugContext(ctx, "Deleted resource", "kind", resource.Kind, "name", resource.Name)
	}
	return errs
}

// Scale sets the number of workers. See [scaler.Scaler.Scale].
func (c *Cluster) Scale(ctx context.Context, workers int, blocking bool) (_ *scaler.WorkerCountReached, err error) {
	ctx = template.NewContextWithIdentity(ctx, c.identity)
	ctx, span := tracing.StartSpan(ctx, "Cluster.Scale", c.identity)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if err := c.requireCreated(); err != nil {
		return nil, err
	}
	return c.scaler.Scale(ctx, workers, blocking)
}

// MakeClient connects to the scheduler. The client is cached so later calls return the same client.
// MakeClient blocks while the scheduler is not reachable yet.
func (c *Cluster) MakeClient(ctx context.Context) (_ *dask.Client, err error) {
	ctx = template.NewContextWithIdentity(ctx, c.identity)
	ctx, span := tracing.StartSpan(ctx, "Cluster.MakeClient", c.identity)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if err := c.requireCreated(); err != nil {
		return nil, err
	}
	if c.client != nil {
		return c.client, nil
	}
	if c.endpoint == nil {
		return nil, errdef.NewNotCreated("endpoint of cluster %s is not resolved, create the cluster again to resolve it", c.identity)
	}

	client, err := c.negotiator.Connect(ctx, *c.endpoint)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *Cluster) requireCreated() error {
	switch c.state {
	case StateClosed:
		return errdef.NewClosedCluster("cluster %s is closed", c.identity)
	case StateUninitialized:
		return errdef.NewNotCreated("cluster %s is not created", c.identity)
	}
	return nil
}

// Close closes the client and deletes the resources of the cluster in reverse creation order. The
// cluster is closed even if deleting fails; the failures are returned joined. Closing a closed
// cluster does nothing.
func (c *Cluster) Close(ctx context.Context) (err error) {
	if c.state == StateClosed {
		return nil
	}

	ctx = template.NewContextWithIdentity(ctx, c.identity)
	ctx, span := tracing.StartSpan(ctx, "Cluster.Close", c.identity)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	var errs []error
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close client: %v", err))
		}
		c.client = nil
	}
	if err := c.deleteCreated(ctx); err != nil {
		errs = append(errs, err)
	}
	c.state = StateClosed
	c.endpoint = nil

	err = errors.Join(errs...)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to close cluster", "error", err)
	} else {
		c.logger.InfoContext(ctx, "Closed cluster")
	}
	c.notifier.Notify(ctx, event.Event{Type: event.TypeClosed, Message: fmt.Sprintf("Closed cluster %s", c.identity)})
	return err
}

// With creates c, runs fn and closes c. c is closed exactly once whether Create or fn fail, ctx is
// cancelled or fn panics.
func With(ctx context.Context, c *Cluster, fn func(ctx context.Context, c *Cluster) error) (err error) {
	defer func() {
		err = errors.Join(err, c.Close(ctx))
	}()

	if err := c.Create(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}

// Release deletes every resource of the cluster of given identity. It is meant for clusters left
// behind by a process which could not close them. Resources which do not exist are skipped.
func Release(ctx context.Context, gw gateway.Gateway, logger *slog.Logger, identity template.Identity) (err error) {
	ctx = template.NewContextWithIdentity(ctx, identity)
	ctx, span := tracing.StartSpan(ctx, "Cluster.Release", identity)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	resources, err := template.Build(identity, template.Options{})
	if err != nil {
		return err
	}
	order, err := creationOrder(resources)
	if err != nil {
		return err
	}
	if err := gw.Check(ctx, identity.Namespace); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Releasing cluster")
	return errors.Join(deleteResources(ctx, gw, logger, order)...)
}

type Status struct {
	Identity template.Identity `json:"identity"`
	State    State             `json:"state"`
	Endpoint *dask.Endpoint    `json:"endpoint,omitempty"`
	Scaling  scaler.State      `json:"scaling"`
	// Reason explains why scaling was aborted.
	Reason         string `json:"reason,omitempty"`
	DesiredWorkers int    `json:"desiredWorkers"`
	ReadyWorkers   int    `json:"readyWorkers"`
}

// Status returns the state of the cluster. The ready workers are only counted for a created cluster.
func (c *Cluster) Status(ctx context.Context) (Status, error) {
	scaling, reason := c.scaler.State()
	status := Status{
		Identity:       c.identity,
		State:          c.state,
		Endpoint:       c.endpoint,
		Scaling:        scaling,
		DesiredWorkers: c.scaler.Desired(),
	}
	if reason != nil {
		status.Reason = reason.Error()
	}
	if c.state != StateCreated {
		return status, nil
	}

	ready, err := c.scaler.Observed(template.NewContextWithIdentity(ctx, c.identity))
	if err != nil {
		return Status{}, err
	}
	status.ReadyWorkers = ready
	return status, nil
}
