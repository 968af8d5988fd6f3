// Package scaler reconciles the number of workers of a cluster. Scaling patches the replicas of the
// worker deployment and optionally waits until that many workers are ready.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/dhis2-sre/dask-k8s/pkg/event"
	"github.com/dhis2-sre/dask-k8s/pkg/gateway"
	"github.com/dhis2-sre/dask-k8s/pkg/poll"
)

type State string

const (
	StateIdle        State = "Idle"
	StateReconciling State = "Reconciling"
	StateReached     State = "Reached"
	StateAborted     State = "Aborted"
)

// DefaultPolicy checks the ready workers every five seconds for up to 30 minutes.
var DefaultPolicy = poll.Policy{Interval: 5 * time.Second, Timeout: 30 * time.Minute}

// WorkerCountReached is returned by a blocking [Scaler.Scale] once the desired number of workers is
// ready.
type WorkerCountReached struct {
	Workers int `json:"workers"`
	// Checks is the number of times the ready workers were counted.
	Checks int `json:"checks"`
}

type Option func(*Scaler)

func WithPolicy(policy poll.Policy) Option {
	return func(s *Scaler) {
		s.policy = policy
	}
}

func WithNotifier(notifier event.Notifier) Option {
	return func(s *Scaler) {
		s.notifier = notifier
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scaler) {
		s.logger = logger
	}
}

// New creates a scaler of the worker deployment of given namespace and name.
func New(gw gateway.Gateway, namespace, deployment string, options ...Option) *Scaler {
	s := &Scaler{
		gateway:    gw,
		namespace:  namespace,
		deployment: deployment,
		policy:     DefaultPolicy,
		notifier:   event.Discard,
		logger:     slog.Default(),
		state:      StateIdle,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

type Scaler struct {
	gateway    gateway.Gateway
	namespace  string
	deployment string
	policy     poll.Policy
	notifier   event.Notifier
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	desired int
	reason  error
}

// State returns the current state and, if aborted, the reason.
func (s *Scaler) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Desired returns the worker count of the last accepted Scale call.
func (s *Scaler) Desired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired
}

// Observed returns the number of ready workers.
func (s *Scaler) Observed(ctx context.Context) (int, error) {
	status, err := s.gateway.DeploymentStatus(ctx, s.namespace, s.deployment)
	if err != nil {
		return 0, err
	}
	return int(status.ReadyReplicas), nil
}

// Scale sets the desired number of workers. A non-blocking call returns once the worker deployment
// is patched. A blocking call also waits until exactly desired workers are ready, reporting progress
// on every check that did not match. Scaling down follows the same protocol.
func (s *Scaler) Scale(ctx context.Context, desired int, blocking bool) (*WorkerCountReached, error) {
	if desired < 0 {
		return nil, errdef.NewInvalidScale("desired number of workers must not be negative, got %d", desired)
	}
	if desired > math.MaxInt32 {
		return nil, errdef.NewInvalidScale("desired number of workers must not exceed %d, got %d", math.MaxInt32, desired)
	}

	err := s.gateway.PatchDeploymentReplicas(ctx, s.namespace, s.deployment, int32(desired))
	if err != nil {
		return nil, errdef.NewProvisioning("failed to scale to %d workers: %w", desired, err)
	}
	s.transition(StateReconciling, desired, nil)
	s.logger.InfoContext(ctx, "Scaling workers", "desired", desired, "blocking", blocking)

	if !blocking {
		return nil, nil
	}

	var checks int
	err = s.policy.Until(ctx, func(ctx context.Context) (bool, error) {
		observed, err := s.Observed(ctx)
		if err != nil {
			return false, err
		}
		checks++

		if observed == desired {
			return true, nil
		}
		s.notifier.Notify(ctx, event.Event{
			Type:    event.TypeScaleProgress,
			Message: fmt.Sprintf("Currently %d workers out of the %d required, waiting...", observed, desired),
		})
		return false, nil
	})
	if errors.Is(err, poll.ErrLimitExceeded) {
		err = errdef.NewTimeout("%d workers were not ready in time: %w", desired, err)
	}
	if err != nil {
		s.transition(StateAborted, desired, err)
		return nil, err
	}

	s.transition(StateReached, desired, nil)
	s.notifier.Notify(ctx, event.Event{
		Type:    event.TypeScaleReached,
		Message: fmt.Sprintf("Reached the desired %d workers!", desired),
	})
	return &WorkerCountReached{Workers: desired, Checks: checks}, nil
}

func (s *Scaler) transition(state State, desired int, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.desired = desired
	s.reason = reason
}
