package hook

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Environment variables read by the preloaded library at start-up.
const (
	EnvSocket  = "LDHOOK_SOCKET"
	EnvControl = "LDHOOK_CONTROL"
)

// Callbacks for events sent by overrides running in the child.
type Callbacks struct {
	OnLog    func(pid, tid uint32, line string, ts uint64)
	OnData   func(pid, tid uint32, fd int32, data []byte, ts uint64)
	OnLoaded func(pid uint32, ts uint64)
}

// Manager listens on a Unix DGRAM socket for events from the preloaded
// library and owns the control file that switches overrides on and off.
type Manager struct {
	socketPath string
	logger     *zap.Logger
	callbacks  Callbacks
	numWorkers int

	conn     *net.UnixConn
	control  *ControlFile
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a new event manager.
func NewManager(socketPath string, callbacks Callbacks, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := runtime.GOMAXPROCS(0)
	if workers < 2 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}

	return &Manager{
		socketPath: socketPath,
		logger:     logger,
		callbacks:  callbacks,
		numWorkers: workers,
		stopCh:     make(chan struct{}),
	}
}

// Start begins listening for events and creates the control file next to
// the socket.
func (m *Manager) Start(ctx context.Context) error {
	dir := filepath.Dir(m.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove stale socket
	os.Remove(m.socketPath)

	addr := &net.UnixAddr{Name: m.socketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	m.conn = conn

	conn.SetReadBuffer(1024 * 1024)

	ctrl, err := CreateControlFile(dir)
	if err != nil {
		conn.Close()
		return err
	}
	m.control = ctrl

	m.logger.Debug("event manager listening",
		zap.String("socket", m.socketPath),
		zap.String("control", ctrl.Path()),
		zap.Int("workers", m.numWorkers),
	)

	// DGRAM reads are message-atomic, so workers can share the socket.
	for i := 0; i < m.numWorkers; i++ {
		m.wg.Add(1)
		go m.readLoop(ctx, i)
	}

	return nil
}

// Stop shuts down the manager and removes the socket and control file.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.conn != nil {
			m.conn.Close()
		}
		m.wg.Wait()
		if m.control != nil {
			m.control.Close()
			m.control.Remove()
		}
		os.Remove(m.socketPath)
	})
	return nil
}

// SocketPath returns the datagram socket the library reports to.
func (m *Manager) SocketPath() string {
	return m.socketPath
}

// ControlPath returns the control file path, empty before Start.
func (m *Manager) ControlPath() string {
	if m.control == nil {
		return ""
	}
	return m.control.Path()
}

// EnableHooks makes every override active again.
func (m *Manager) EnableHooks() error {
	if m.control == nil {
		return fmt.Errorf("control file not available")
	}
	m.logger.Debug("hooks enabled")
	return m.control.Enable()
}

// DisableHooks turns every trampoline into a pass-through.
func (m *Manager) DisableHooks() error {
	if m.control == nil {
		return fmt.Errorf("control file not available")
	}
	m.logger.Debug("hooks disabled (dormant)")
	return m.control.Disable()
}

// HooksEnabled reports the control file state.
func (m *Manager) HooksEnabled() bool {
	if m.control == nil {
		return true // no control file means always active
	}
	enabled, _ := m.control.IsEnabled()
	return enabled
}

func (m *Manager) readLoop(ctx context.Context, workerID int) {
	defer m.wg.Done()

	buf := make([]byte, HeaderSize+MaxPayload)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		n, err := m.conn.Read(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Debug("read error", zap.Int("worker", workerID), zap.Error(err))
				continue
			}
		}

		msg, err := ParseMessage(buf[:n])
		if err != nil {
			m.logger.Debug("parse error", zap.Int("size", n), zap.Error(err))
			continue
		}

		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg *Message) {
	h := msg.Header

	switch h.MsgType {
	case MsgLog:
		if m.callbacks.OnLog != nil {
			m.callbacks.OnLog(h.PID, h.TID, string(msg.Payload), h.TimestampNS)
		}

	case MsgData:
		if m.callbacks.OnData != nil && len(msg.Payload) > 0 {
			m.callbacks.OnData(h.PID, h.TID, h.FD, msg.Payload, h.TimestampNS)
		}

	case MsgLoaded:
		if m.callbacks.OnLoaded != nil {
			m.callbacks.OnLoaded(h.PID, h.TimestampNS)
		}

	default:
		m.logger.Debug("unknown message", zap.String("type", MsgTypeName(h.MsgType)))
	}
}
