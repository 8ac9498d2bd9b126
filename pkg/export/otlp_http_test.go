// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"

	"github.com/mbeema/ldhook/pkg/config"
)

func newTestHTTPExporter(t *testing.T, handler http.HandlerFunc) (*HTTPOTLPExporter, *httptest.Server) {
	ts := httptest.NewServer(handler)
	cfg := &config.OTLPConfig{
		Endpoint:    strings.TrimPrefix(ts.URL, "http://"),
		Protocol:    "http",
		Compression: "gzip",
		Insecure:    true,
		Headers:     map[string]string{"X-Tenant": "dev"},
	}
	exp, err := NewHTTPOTLPExporter(cfg, "", nil)
	if err != nil {
		t.Fatalf("NewHTTPOTLPExporter: %v", err)
	}
	return exp, ts
}

func testEvents() []*Event {
	ts := time.Unix(1700000000, 0).UTC()
	return []*Event{
		{Kind: KindLoaded, Timestamp: ts, PID: 42, Command: "cat", Library: "/tmp/libldhook.so"},
		{Kind: KindLog, Timestamp: ts, PID: 42, TID: 42, Command: "cat", Body: "open /etc/hostname"},
		{Kind: KindData, Timestamp: ts, PID: 42, TID: 43, FD: 3, Command: "cat", Data: []byte{0xff, 0x00, 'a'}},
		{Kind: KindLog, Timestamp: ts, PID: 7, TID: 7, Command: "sh", Body: "getenv HOME"},
	}
}

func attrValue(attrs []*commonpb.KeyValue, key string) *commonpb.AnyValue {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value
		}
	}
	return nil
}

func TestHTTPExporterEvents(t *testing.T) {
	var receivedPath, receivedContentType, receivedEncoding, receivedTenant string
	var receivedBody []byte

	exp, ts := newTestHTTPExporter(t, func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		receivedContentType = r.Header.Get("Content-Type")
		receivedEncoding = r.Header.Get("Content-Encoding")
		receivedTenant = r.Header.Get("X-Tenant")

		var reader io.Reader = r.Body
		if receivedEncoding == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				t.Errorf("gzip reader: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			defer gz.Close()
			reader = gz
		}
		receivedBody, _ = io.ReadAll(reader)
		w.WriteHeader(http.StatusOK)
	})
	defer ts.Close()

	if err := exp.ExportEvents(context.Background(), testEvents()); err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}

	if receivedPath != "/v1/logs" {
		t.Errorf("path = %q, want /v1/logs", receivedPath)
	}
	if receivedContentType != "application/x-protobuf" {
		t.Errorf("content-type = %q", receivedContentType)
	}
	if receivedEncoding != "gzip" {
		t.Errorf("content-encoding = %q, want gzip", receivedEncoding)
	}
	if receivedTenant != "dev" {
		t.Errorf("X-Tenant = %q, want dev", receivedTenant)
	}

	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(receivedBody, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.ResourceLogs) != 2 {
		t.Fatalf("resource logs = %d, want 2 (one per process)", len(req.ResourceLogs))
	}

	first := req.ResourceLogs[0]
	if got := attrValue(first.Resource.Attributes, "service.name").GetStringValue(); got != "cat" {
		t.Errorf("service.name = %q, want command name", got)
	}
	if got := attrValue(first.Resource.Attributes, "process.pid").GetIntValue(); got != 42 {
		t.Errorf("process.pid = %d, want 42", got)
	}

	records := first.ScopeLogs[0].LogRecords
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if got := records[0].Body.GetStringValue(); got != "hook library loaded" {
		t.Errorf("loaded body = %q", got)
	}
	if got := attrValue(records[0].Attributes, "ldhook.library").GetStringValue(); got != "/tmp/libldhook.so" {
		t.Errorf("ldhook.library = %q", got)
	}
	if got := records[1].Body.GetStringValue(); got != "open /etc/hostname" {
		t.Errorf("log body = %q", got)
	}
	if got := records[2].Body.GetBytesValue(); string(got) != "\xff\x00a" {
		t.Errorf("data body = %q", got)
	}
	if got := attrValue(records[2].Attributes, "ldhook.fd").GetIntValue(); got != 3 {
		t.Errorf("ldhook.fd = %d, want 3", got)
	}
	if records[2].SeverityText != "DEBUG" {
		t.Errorf("data severity = %q, want DEBUG", records[2].SeverityText)
	}
	if records[1].TimeUnixNano != uint64(time.Unix(1700000000, 0).UnixNano()) {
		t.Errorf("time = %d", records[1].TimeUnixNano)
	}
}

func TestHTTPExporterEmptyBatch(t *testing.T) {
	called := false
	exp, ts := newTestHTTPExporter(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	defer ts.Close()

	if err := exp.ExportEvents(context.Background(), nil); err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}
	if called {
		t.Error("empty batch should not be posted")
	}
}

func TestHTTPExporterServerError(t *testing.T) {
	exp, ts := newTestHTTPExporter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer ts.Close()

	err := exp.ExportEvents(context.Background(), testEvents())
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error = %v, want status code", err)
	}
}

func TestHTTPExporterEndpointURL(t *testing.T) {
	tests := []struct {
		endpoint string
		insecure bool
		want     string
	}{
		{"collector:4318", true, "http://collector:4318"},
		{"collector:4318", false, "https://collector:4318"},
		{"https://otel.example.com/", false, "https://otel.example.com"},
	}
	for _, tt := range tests {
		exp, err := NewHTTPOTLPExporter(&config.OTLPConfig{Endpoint: tt.endpoint, Insecure: tt.insecure}, "svc", nil)
		if err != nil {
			t.Fatalf("NewHTTPOTLPExporter(%q): %v", tt.endpoint, err)
		}
		if exp.endpoint != tt.want {
			t.Errorf("endpoint(%q, insecure=%v) = %q, want %q", tt.endpoint, tt.insecure, exp.endpoint, tt.want)
		}
		if exp.compression != "gzip" {
			t.Errorf("default compression = %q, want gzip", exp.compression)
		}
	}
}
