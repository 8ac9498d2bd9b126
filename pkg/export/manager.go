// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/ldhook/pkg/config"
	"github.com/mbeema/ldhook/pkg/hook"
	"github.com/mbeema/ldhook/pkg/redact"
)

// Exporter is the interface for event sinks.
type Exporter interface {
	ExportEvents(ctx context.Context, events []*Event) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 256
	defaultFlushInterval = 2 * time.Second
	defaultChannelSize   = 4096

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager batches events and hands them to every exporter.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter
	redactor  *redact.Redactor

	eventCh chan *Event

	received atomic.Int64
	exported atomic.Int64
	dropped  atomic.Int64

	batchSize      int
	flushInterval  time.Duration
	circuitBreaker *CircuitBreaker

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewManager builds the exporters named in cfg.
func NewManager(cfg *config.ExportConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var exporters []Exporter
	if cfg.Stdout.Enabled {
		exporters = append(exporters, NewStdoutExporter(cfg.Stdout.Format, logger))
	}
	if cfg.OTLP.Enabled {
		var (
			exp Exporter
			err error
		)
		switch cfg.OTLP.Protocol {
		case "http":
			exp, err = NewHTTPOTLPExporter(&cfg.OTLP, cfg.ServiceName, logger)
		default:
			exp, err = NewOTLPExporter(&cfg.OTLP, cfg.ServiceName, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	var rules []redact.Rule
	for _, r := range cfg.Redact.Rules {
		rule, err := redact.CompileRule(r.Name, r.Pattern, r.Replacement)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return NewManagerWithExporters(exporters, redact.New(cfg.Redact.Enabled, rules),
		cfg.BatchSize, cfg.FlushInterval, logger), nil
}

// NewManagerWithExporters creates a manager around ready exporters. Zero
// batchSize or flushInterval take the defaults; a nil redactor disables
// redaction.
func NewManagerWithExporters(exporters []Exporter, redactor *redact.Redactor, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	m := &Manager{
		logger:         logger,
		exporters:      exporters,
		redactor:       redactor,
		eventCh:        make(chan *Event, defaultChannelSize),
		batchSize:      batchSize,
		flushInterval:  flushInterval,
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second),
		stopCh:         make(chan struct{}),
	}
	m.circuitBreaker.OnStateChange(func(from, to CircuitState) {
		logger.Warn("export circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
	})
	return m
}

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processEvents(ctx)

	m.logger.Debug("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
		zap.Bool("redact", m.redactor.Enabled()),
	)
	return nil
}

// Stop flushes queued events and shuts down exporters. Safe to call twice.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, exp := range m.exporters {
			m.stopErr = multierr.Append(m.stopErr, exp.Shutdown(ctx))
		}

		m.logger.Debug("export manager stopped",
			zap.Int64("received", m.received.Load()),
			zap.Int64("exported", m.exported.Load()),
			zap.Int64("dropped", m.dropped.Load()),
		)
	})
	return m.stopErr
}

// Export queues an event, redacting its body first. Events are dropped when
// the queue is full rather than blocking the socket reader.
func (m *Manager) Export(ev *Event) {
	m.received.Add(1)
	if m.redactor.Enabled() {
		ev.Body = m.redactor.Redact(ev.Body)
		ev.Data = m.redactor.RedactBytes(ev.Data)
	}
	select {
	case m.eventCh <- ev:
	default:
		m.dropped.Add(1)
		m.logger.Warn("event queue full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// Callbacks returns hook callbacks that export every event of a session.
// command labels the events; library, when non-nil, is asked for the
// injected library path on every event since it is only known once the
// build has finished.
func (m *Manager) Callbacks(command string, library func() string) hook.Callbacks {
	base := func(kind Kind, pid, tid uint32, ts uint64) *Event {
		lib := ""
		if library != nil {
			lib = library()
		}
		return &Event{
			Kind:      kind,
			Timestamp: time.Unix(0, int64(ts)),
			Observed:  time.Now(),
			PID:       pid,
			TID:       tid,
			Command:   command,
			Library:   lib,
		}
	}
	return hook.Callbacks{
		OnLog: func(pid, tid uint32, line string, ts uint64) {
			ev := base(KindLog, pid, tid, ts)
			ev.Body = line
			m.Export(ev)
		},
		OnData: func(pid, tid uint32, fd int32, data []byte, ts uint64) {
			ev := base(KindData, pid, tid, ts)
			ev.FD = fd
			ev.Data = append([]byte(nil), data...)
			m.Export(ev)
		},
		OnLoaded: func(pid uint32, ts uint64) {
			m.Export(base(KindLoaded, pid, 0, ts))
		},
	}
}

func (m *Manager) processEvents(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Event, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(ctx context.Context) {
		for {
			select {
			case ev := <-m.eventCh:
				batch = append(batch, ev)
			default:
				if len(batch) > 0 {
					m.flush(ctx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case ev := <-m.eventCh:
			batch = append(batch, ev)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = make([]*Event, 0, m.batchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = make([]*Event, 0, m.batchSize)
			}

		case <-m.stopCh:
			drain(ctx)
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (m *Manager) flush(ctx context.Context, events []*Event) {
	ok := true
	for _, exp := range m.exporters {
		exp := exp
		if !m.retryExport(ctx, func(expCtx context.Context) error {
			return exp.ExportEvents(expCtx, events)
		}) {
			ok = false
		}
	}
	if ok {
		m.exported.Add(int64(len(events)))
	} else {
		m.dropped.Add(int64(len(events)))
	}
}

// retryExport attempts an export with exponential backoff and circuit breaker.
func (m *Manager) retryExport(ctx context.Context, exportFn func(context.Context) error) bool {
	if !m.circuitBreaker.Allow() {
		m.logger.Debug("circuit breaker open, dropping batch")
		return false
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.circuitBreaker.RecordSuccess()
			return true
		}

		m.circuitBreaker.RecordFailure()

		if attempt == maxRetries || !m.circuitBreaker.Allow() {
			m.logger.Error("export failed",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

// Stats returns how many events were received, exported and dropped.
func (m *Manager) Stats() (received, exported, dropped int64) {
	return m.received.Load(), m.exported.Load(), m.dropped.Load()
}
