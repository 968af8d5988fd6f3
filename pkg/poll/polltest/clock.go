// Package polltest helps testing code that polls using a fake clock.
package polltest

import (
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
)

// AutoStep advances clk by step whenever something waits on it, so poll loops run without real
// sleeps. The returned function stops stepping; it is also called on test cleanup.
func AutoStep(t testing.TB, clk *clocktesting.FakeClock, step time.Duration) func() {
	t.Helper()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
			}

			if clk.HasWaiters() {
				clk.Step(step)
			} else {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
	t.Cleanup(stop)
	return stop
}
