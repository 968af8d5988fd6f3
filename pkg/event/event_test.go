package event

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinter(t *testing.T) {
	var b bytes.Buffer
	printer := NewPrinter(&b)

	printer.Notify(context.Background(), Event{Type: TypeEndpoint, Message: "Scheduler: tcp://10.0.0.1:30786"})
	printer.Notify(context.Background(), Event{Type: TypeEndpoint, Message: "Dashboard: http://10.0.0.1:30787"})

	assert.Equal(t, "Scheduler: tcp://10.0.0.1:30786\nDashboard: http://10.0.0.1:30787\n", b.String())
}

func TestNotifiers(t *testing.T) {
	var got []string
	record := func(prefix string) Notifier {
		return NotifierFunc(func(_ context.Context, event Event) {
			got = append(got, prefix+event.Message)
		})
	}
	notifiers := Notifiers{record("a:"), Discard, record("b:")}

	notifiers.Notify(context.Background(), Event{Message: "hello"})

	assert.Equal(t, []string{"a:hello", "b:hello"}, got)
}
