// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/mbeema/ldhook/pkg/config"
)

const (
	scopeName    = "ldhook"
	scopeVersion = "0.1.0"
)

// OTLPExporter sends events as OTLP log records over gRPC, reconnecting
// when the channel fails.
type OTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	opts        []grpc.DialOption

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName string, logger *zap.Logger) (*OTLPExporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    cfg.Endpoint,
		opts:        opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))
	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

// ExportEvents sends one ExportLogsServiceRequest for the batch.
func (e *OTLPExporter) ExportEvents(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, logsRequest(events, e.serviceName))
	return err
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

// logsRequest groups events by process so each gets its own ResourceLogs.
func logsRequest(events []*Event, serviceName string) *collogspb.ExportLogsServiceRequest {
	type procKey struct {
		command string
		pid     uint32
	}
	var order []procKey
	grouped := make(map[procKey][]*logspb.LogRecord)
	for _, ev := range events {
		key := procKey{ev.Command, ev.PID}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], logRecord(ev))
	}

	scope := &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion}
	resourceLogs := make([]*logspb.ResourceLogs, 0, len(order))
	for _, key := range order {
		resourceLogs = append(resourceLogs, &logspb.ResourceLogs{
			Resource: processResource(serviceName, key.command, key.pid),
			ScopeLogs: []*logspb.ScopeLogs{
				{Scope: scope, LogRecords: grouped[key]},
			},
		})
	}
	return &collogspb.ExportLogsServiceRequest{ResourceLogs: resourceLogs}
}

func processResource(serviceName, command string, pid uint32) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	if serviceName == "" {
		serviceName = command
	}
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		strAttr("process.executable.name", command),
		intAttr("process.pid", int64(pid)),
	}}
}

func logRecord(ev *Event) *logspb.LogRecord {
	rec := &logspb.LogRecord{
		TimeUnixNano:   uint64(ev.Timestamp.UnixNano()),
		SeverityText:   "INFO",
		SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
		Attributes: []*commonpb.KeyValue{
			strAttr("ldhook.event", string(ev.Kind)),
			intAttr("thread.id", int64(ev.TID)),
		},
	}
	if !ev.Observed.IsZero() {
		rec.ObservedTimeUnixNano = uint64(ev.Observed.UnixNano())
	}

	switch ev.Kind {
	case KindData:
		rec.SeverityText = "DEBUG"
		rec.SeverityNumber = logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG
		rec.Body = &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: ev.Data}}
		rec.Attributes = append(rec.Attributes, intAttr("ldhook.fd", int64(ev.FD)))
	default:
		rec.Body = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(ev.Text())}}
	}
	if ev.Library != "" {
		rec.Attributes = append(rec.Attributes, strAttr("ldhook.library", ev.Library))
	}
	return rec
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}
