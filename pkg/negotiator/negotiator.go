// Package negotiator finds out where a freshly created cluster can be reached and connects to its
// scheduler once it accepts connections.
package negotiator

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/dhis2-sre/dask-k8s/pkg/dask"
	"github.com/dhis2-sre/dask-k8s/pkg/event"
	"github.com/dhis2-sre/dask-k8s/pkg/gateway"
	"github.com/dhis2-sre/dask-k8s/pkg/poll"
	"github.com/dhis2-sre/dask-k8s/pkg/template"
)

// RetryMessage is reported every time the scheduler could not be reached.
const RetryMessage = "Could not connect to scheduler, retrying..."

// Dialer connects to a scheduler. [dask.Dialer] implements it.
type Dialer interface {
	Dial(ctx context.Context, endpoint dask.Endpoint) (*dask.Client, error)
}

var (
	// DefaultEndpointPolicy waits up to five minutes for the services to be assigned addresses.
	DefaultEndpointPolicy = poll.Policy{Interval: 2 * time.Second, Timeout: 5 * time.Minute}
	// DefaultConnectPolicy retries connecting to the scheduler until the context is cancelled.
	DefaultConnectPolicy = poll.Policy{Interval: 2 * time.Second}
)

type Option func(*Negotiator)

func WithEndpointPolicy(policy poll.Policy) Option {
	return func(n *Negotiator) {
		n.endpointPolicy = policy
	}
}

func WithConnectPolicy(policy poll.Policy) Option {
	return func(n *Negotiator) {
		n.connectPolicy = policy
	}
}

func WithNotifier(notifier event.Notifier) Option {
	return func(n *Negotiator) {
		n.notifier = notifier
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

func New(gw gateway.Gateway, dialer Dialer, options ...Option) *Negotiator {
	n := &Negotiator{
		gateway:        gw,
		dialer:         dialer,
		endpointPolicy: DefaultEndpointPolicy,
		connectPolicy:  DefaultConnectPolicy,
		notifier:       event.Discard,
		logger:         slog.Default(),
	}
	for _, option := range options {
		option(n)
	}
	return n
}

type Negotiator struct {
	gateway        gateway.Gateway
	dialer         Dialer
	endpointPolicy poll.Policy
	connectPolicy  poll.Policy
	notifier       event.Notifier
	logger         *slog.Logger
}

// ResolveEndpoint waits until both the scheduler and the dashboard service of rs are reachable from
// outside of Kubernetes. An endpoint timeout error is returned if that takes longer than allowed by
// the endpoint policy.
func (n *Negotiator) ResolveEndpoint(ctx context.Context, rs *template.ResourceSet) (dask.Endpoint, error) {
	namespace := rs.Identity.Namespace
	var scheduler, dashboard *gateway.Address

	err := n.endpointPolicy.Until(ctx, func(ctx context.Context) (bool, error) {
		if scheduler == nil {
			address, ok, err := n.gateway.ServiceAddress(ctx, namespace, rs.SchedulerService.Name)
			if err != nil {
				return false, err
			}
			if ok {
				scheduler = &address
			}
		}
		if dashboard == nil {
			address, ok, err := n.gateway.ServiceAddress(ctx, namespace, rs.DashboardService.Name)
			if err != nil {
				return false, err
			}
			if ok {
				dashboard = &address
			}
		}
		return scheduler != nil && dashboard != nil, nil
	})
	if errors.Is(err, poll.ErrLimitExceeded) {
		return dask.Endpoint{}, errdef.NewEndpointTimeout("services %q and %q of cluster %s were not assigned an address in time: %w", rs.SchedulerService.Name, rs.DashboardService.Name, rs.Identity, err)
	}
	if err != nil {
		return dask.Endpoint{}, err
	}

	endpoint := dask.Endpoint{
		Scheduler: "tcp://" + scheduler.String(),
		Dashboard: "http://" + dashboard.String(),
	}
	n.notifier.Notify(ctx, event.Event{Type: event.TypeEndpoint, Message: "Scheduler: " + endpoint.Scheduler})
	n.notifier.Notify(ctx, event.Event{Type: event.TypeEndpoint, Message: "Dashboard: " + endpoint.Dashboard})
	return endpoint, nil
}

// Connect dials the scheduler of endpoint until it accepts the connection. Every failed attempt is
// reported. A timeout error wrapping the last dial error is returned if the connect policy is
// exhausted.
func (n *Negotiator) Connect(ctx context.Context, endpoint dask.Endpoint) (*dask.Client, error) {
	var client *dask.Client
	var lastErr error

	err := n.connectPolicy.Until(ctx, func(ctx context.Context) (bool, error) {
		c, err := n.dialer.Dial(ctx, endpoint)
		if err == nil {
			client = c
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !unreachable(err) {
			return false, err
		}

		lastErr = err
		n.logger.DebugContext(ctx, "Failed to connect to scheduler", "scheduler", endpoint.Scheduler, "error", err)
		n.notifier.Notify(ctx, event.Event{Type: event.TypeConnectRetry, Message: RetryMessage})
		return false, nil
	})
	if errors.Is(err, poll.ErrLimitExceeded) {
		return nil, errdef.NewTimeout("failed to connect to scheduler %s (%v): %w", endpoint.Scheduler, err, lastErr)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// unreachable reports whether err means the scheduler refused the connection or could not be
// reached, both of which happen while it is starting.
func unreachable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, syscall.ECONNREFUSED)
}

