package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// LogSink writes structured JSON audit lines to a Writer, one per record,
// prefixed for easy filtering.
type LogSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogSink writes to os.Stdout.
func NewLogSink() *LogSink {
	return NewLogSinkWithWriter(os.Stdout)
}

// NewLogSinkWithWriter allows injection for testing and custom sinks.
func NewLogSinkWithWriter(w io.Writer) *LogSink {
	if w == nil {
		w = os.Stdout
	}
	return &LogSink{writer: w}
}

func (l *LogSink) Record(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(b, '\n')...))
	return err
}
