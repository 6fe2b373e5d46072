package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"cncworker/internal/grbl"
)

// Progress is one execution update. Field names match what callers of the
// dispatcher read back (percentage, progress, total_lines, status, parserstate).
type Progress struct {
	JobID       int64            `json:"job_id"`
	Percentage  int              `json:"percentage"`
	Progress    int              `json:"progress"`
	TotalLines  int              `json:"total_lines"`
	Status      grbl.Status      `json:"status"`
	ParserState grbl.ParserState `json:"parserstate"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Percentage is floor(sent*100/total); an empty file counts as complete.
func Percentage(sent, total int) int {
	if total <= 0 {
		return 100
	}
	return sent * 100 / total
}

// Sink receives progress updates. Callers do not wait for acknowledgment.
type Sink interface {
	Publish(ctx context.Context, p Progress) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, p Progress) error

func (f SinkFunc) Publish(ctx context.Context, p Progress) error { return f(ctx, p) }

// Multi fans an update out to every sink.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, p Progress) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every update.
var Discard Sink = SinkFunc(func(context.Context, Progress) error { return nil })

// LogSink logs an update whenever the percentage changes.
type LogSink struct {
	Logger *log.Entry

	mu   sync.Mutex
	last map[int64]int
}

func (s *LogSink) Publish(_ context.Context, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = map[int64]int{}
	}
	if prev, ok := s.last[p.JobID]; ok && prev == p.Percentage {
		return nil
	}
	s.last[p.JobID] = p.Percentage

	logger := s.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger.WithFields(log.Fields{
		"job_id":  p.JobID,
		"sent":    p.Progress,
		"total":   p.TotalLines,
		"machine": p.Status.State,
	}).Infof("Job progress %d%%", p.Percentage)
	return nil
}
