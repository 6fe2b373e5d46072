package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ResultWriterSink stores the latest update as the task result so that the
// dispatcher's inspector can report progress for a running execution. The
// writer is normally the asynq task's *asynq.ResultWriter.
type ResultWriterSink struct {
	W io.Writer
}

func (s ResultWriterSink) Publish(_ context.Context, p Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if _, err := s.W.Write(data); err != nil {
		return fmt.Errorf("write task result: %w", err)
	}
	return nil
}
