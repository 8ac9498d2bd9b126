package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StdoutExporter prints events, one per line, for piping into other tools.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	return newWriterExporter(os.Stdout, format, logger)
}

func newWriterExporter(w io.Writer, format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
		out:    w,
	}
}

// ExportEvents prints events.
func (e *StdoutExporter) ExportEvents(ctx context.Context, events []*Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ev := range events {
		if e.format == "json" {
			if err := e.printJSON(ev); err != nil {
				return err
			}
			continue
		}
		_, err := fmt.Fprintf(e.out, "[%s] %s pid=%d tid=%d %s: %s\n",
			ev.Timestamp.Format(time.RFC3339Nano),
			ev.Kind, ev.PID, ev.TID, ev.Command, ev.Text(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Shutdown is a no-op.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(ev *Event) error {
	rec := map[string]interface{}{
		"type":      string(ev.Kind),
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		"pid":       ev.PID,
		"tid":       ev.TID,
		"command":   ev.Command,
	}
	switch ev.Kind {
	case KindLog:
		rec["body"] = ev.Body
	case KindData:
		rec["fd"] = ev.FD
		rec["data"] = ev.Data // base64 in JSON
	case KindLoaded:
		rec["library"] = ev.Library
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = e.out.Write(b)
	return err
}
