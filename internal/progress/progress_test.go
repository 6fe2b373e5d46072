package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []Progress
	block   chan struct{}
}

func (s *recordingSink) Publish(_ context.Context, p Progress) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, p)
	return nil
}

func (s *recordingSink) all() []Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Progress(nil), s.updates...)
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 33, Percentage(1, 3))
	assert.Equal(t, 66, Percentage(2, 3))
	assert.Equal(t, 100, Percentage(3, 3))
	assert.Equal(t, 0, Percentage(0, 7))
	assert.Equal(t, 100, Percentage(0, 0))
}

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	rec := &recordingSink{}
	m := Multi{rec, nil, SinkFunc(func(context.Context, Progress) error { return boom })}

	err := m.Publish(context.Background(), Progress{JobID: 1, Percentage: 50})
	assert.ErrorIs(t, err, boom)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, 50, rec.all()[0].Percentage)
}

func TestAsync_NeverBlocksAndFlushesLatest(t *testing.T) {
	rec := &recordingSink{block: make(chan struct{})}
	a := NewAsync(rec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 100; i++ {
			_ = a.Publish(context.Background(), Progress{JobID: 1, Progress: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled sink")
	}

	close(rec.block)
	require.NoError(t, a.Close())

	got := rec.all()
	require.NotEmpty(t, got)
	assert.Equal(t, 100, got[len(got)-1].Progress)
	assert.LessOrEqual(t, len(got), 100)
}

func TestAsync_PublishAfterClose(t *testing.T) {
	a := NewAsync(Discard)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Publish(context.Background(), Progress{}), ErrSinkClosed)
}

func TestLogSink_OnlyOnChange(t *testing.T) {
	s := &LogSink{}
	require.NoError(t, s.Publish(context.Background(), Progress{JobID: 1, Percentage: 10}))
	require.NoError(t, s.Publish(context.Background(), Progress{JobID: 1, Percentage: 10}))
	assert.Equal(t, 10, s.last[1])
}
