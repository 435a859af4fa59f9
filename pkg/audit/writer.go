package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WriterRecorder emits one JSON line per event, prefixed for easy filtering
// out of a mixed log stream. It is the lightweight sink for deployments that
// ship audit logs to an external collector.
type WriterRecorder struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterRecorder creates a recorder writing to w. A nil writer falls back
// to os.Stdout.
func NewWriterRecorder(w io.Writer) *WriterRecorder {
	if w == nil {
		w = os.Stdout
	}
	return &WriterRecorder{writer: w}
}

var _ Recorder = (*WriterRecorder)(nil)

func (l *WriterRecorder) Record(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
