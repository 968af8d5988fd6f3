// Package event carries the human readable status lines a cluster reports while it is created,
// connected to and scaled. Lines are printed to the terminal and can be streamed to HTTP clients.
package event

import (
	"context"
	"fmt"
	"io"
	"sync"
)

const (
	TypeEndpoint      = "endpoint"
	TypeConnectRetry  = "connect-retry"
	TypeScaleProgress = "scale-progress"
	TypeScaleReached  = "scale-reached"
	TypeClosed        = "closed"
)

type Event struct {
	ID      uint64 `json:"id"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Notifier receives events. Notify must not block for long as it is called from poll loops.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to a [Notifier].
type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Notify(ctx context.Context, event Event) {
	f(ctx, event)
}

// Notifiers sends every event to all its notifiers in order.
type Notifiers []Notifier

func (n Notifiers) Notify(ctx context.Context, event Event) {
	for _, notifier := range n {
		notifier.Notify(ctx, event)
	}
}

// Discard drops all events.
var Discard Notifier = NotifierFunc(func(context.Context, Event) {})

// Printer writes the message of every event as a line to its writer.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Notify(_ context.Context, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, event.Message)
}
