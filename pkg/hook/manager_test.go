// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchLog(t *testing.T) {
	var gotPID, gotTID uint32
	var gotLine string
	var gotTS uint64
	called := false

	m := &Manager{
		callbacks: Callbacks{
			OnLog: func(pid, tid uint32, line string, ts uint64) {
				called = true
				gotPID = pid
				gotTID = tid
				gotLine = line
				gotTS = ts
			},
		},
	}

	buf := EncodeMessage(&Message{
		Header:  Header{MsgType: MsgLog, PID: 1234, TID: 5678, FD: -1, TimestampNS: 42000},
		Payload: []byte("open /etc/hosts"),
	})
	msg, err := ParseMessage(buf)
	require.NoError(t, err)

	m.dispatch(msg)

	require.True(t, called, "OnLog callback was not called")
	assert.Equal(t, uint32(1234), gotPID)
	assert.Equal(t, uint32(5678), gotTID)
	assert.Equal(t, "open /etc/hosts", gotLine)
	assert.Equal(t, uint64(42000), gotTS)
}

func TestDispatchDataEmptyPayload(t *testing.T) {
	called := false
	m := &Manager{
		callbacks: Callbacks{
			OnData: func(pid, tid uint32, fd int32, data []byte, ts uint64) {
				called = true
			},
		},
	}

	m.dispatch(&Message{Header: Header{MsgType: MsgData, PID: 100, FD: 5}})

	assert.False(t, called, "OnData should not be called with empty payload")
}

func TestDispatchNilCallbacks(t *testing.T) {
	m := NewManager("", Callbacks{}, nil)

	// None of these may panic.
	m.dispatch(&Message{Header: Header{MsgType: MsgLog}, Payload: []byte("x")})
	m.dispatch(&Message{Header: Header{MsgType: MsgData}, Payload: []byte("x")})
	m.dispatch(&Message{Header: Header{MsgType: MsgLoaded}})
	m.dispatch(&Message{Header: Header{MsgType: 42}})
}

func TestManagerReceivesDatagrams(t *testing.T) {
	dir, err := os.MkdirTemp("", "ldh")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "events.sock")

	lines := make(chan string, 4)
	loaded := make(chan uint32, 1)
	m := NewManager(socketPath, Callbacks{
		OnLog:    func(_, _ uint32, line string, _ uint64) { lines <- line },
		OnLoaded: func(pid uint32, _ uint64) { loaded <- pid },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	assert.FileExists(t, m.ControlPath())
	assert.True(t, m.HooksEnabled())

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(EncodeMessage(&Message{Header: Header{MsgType: MsgLoaded, PID: 77}}))
	require.NoError(t, err)
	_, err = conn.Write(EncodeMessage(&Message{Header: Header{MsgType: MsgLog, PID: 77}, Payload: []byte("hello")}))
	require.NoError(t, err)

	select {
	case pid := <-loaded:
		assert.Equal(t, uint32(77), pid)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for LOADED event")
	}
	select {
	case line := <-lines:
		assert.Equal(t, "hello", line)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for LOG event")
	}
}

func TestManagerToggleHooks(t *testing.T) {
	dir, err := os.MkdirTemp("", "ldh")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	m := NewManager(filepath.Join(dir, "events.sock"), Callbacks{}, nil)
	assert.Error(t, m.DisableHooks(), "no control file before Start")

	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.DisableHooks())
	assert.False(t, m.HooksEnabled())
	require.NoError(t, m.EnableHooks())
	assert.True(t, m.HooksEnabled())

	controlPath := m.ControlPath()
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop(), "Stop must be idempotent")

	assert.NoFileExists(t, controlPath)
	assert.NoFileExists(t, m.SocketPath())
}
