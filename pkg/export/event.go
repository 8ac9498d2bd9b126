// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export ships events sent by overrides in a hooked process to
// stdout or an OTLP collector, batched, with optional secret redaction.
package export

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Kind identifies what an override reported.
type Kind string

const (
	KindLog    Kind = "log"    // ldhook_log line
	KindData   Kind = "data"   // ldhook_data bytes
	KindLoaded Kind = "loaded" // library constructor ran
)

// Event is one message from a hooked process.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Observed  time.Time
	PID       uint32
	TID       uint32
	FD        int32 // data events only
	Body      string
	Data      []byte
	Command   string
	Library   string
}

// Text renders the event body for line-oriented sinks.
func (e *Event) Text() string {
	switch e.Kind {
	case KindLog:
		return e.Body
	case KindData:
		return fmt.Sprintf("fd=%d %d bytes %q", e.FD, len(e.Data), sanitizeUTF8(string(e.Data)))
	case KindLoaded:
		return "hook library loaded"
	default:
		return e.Body
	}
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode replacement
// character. Data copied out of read or recv is often binary, and protobuf
// string fields must be valid UTF-8.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}
