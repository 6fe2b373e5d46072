package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrSinkClosed = errors.New("progress: sink closed")

const publishTimeout = 5 * time.Second

// Async decouples the streaming loop from slow sinks. Publish never blocks:
// it keeps only the newest pending update and a background goroutine forwards
// it to the inner sink.
type Async struct {
	inner  Sink
	logger *log.Entry

	mu     sync.Mutex
	closed bool
	latest chan Progress
	done   chan struct{}
}

func NewAsync(inner Sink) *Async {
	a := &Async{
		inner:  inner,
		logger: log.WithField("component", "progress"),
		latest: make(chan Progress, 1),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for p := range a.latest {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := a.inner.Publish(ctx, p); err != nil {
			a.logger.WithError(err).WithField("job_id", p.JobID).Warn("Failed to publish progress")
		}
		cancel()
	}
}

func (a *Async) Publish(_ context.Context, p Progress) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrSinkClosed
	}
	// Replace any update the forwarder has not picked up yet.
	select {
	case <-a.latest:
	default:
	}
	a.latest <- p
	return nil
}

// Close flushes the pending update and stops the forwarder.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.latest)
	a.mu.Unlock()

	<-a.done
	return nil
}
