package transport

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/termflow/termflow/internal/common/logger"
)

// OutputFunc receives raw output chunks from one session. It is called
// from the session's read goroutine.
type OutputFunc func(sessionID string, data []byte)

// ExitFunc is called when a session's process ends or its PTY closes.
type ExitFunc func(sessionID string)

type ptySession struct {
	id     string
	cmd    *exec.Cmd
	handle PtyHandle
	done   chan struct{}
}

// Manager owns every live PTY session.
type Manager struct {
	logger   *logger.Logger
	onOutput OutputFunc
	onExit   ExitFunc

	mu       sync.Mutex
	sessions map[string]*ptySession
}

// NewManager creates an empty transport manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger:   log.WithFields(zap.String("component", "transport")),
		sessions: make(map[string]*ptySession),
	}
}

// SetOutputHandler registers the raw-output sink. Must be called
// before any session is opened.
func (m *Manager) SetOutputHandler(fn OutputFunc) {
	m.onOutput = fn
}

// SetExitHandler registers the session-exit callback.
func (m *Manager) SetExitHandler(fn ExitFunc) {
	m.onExit = fn
}

// Open starts command in a new PTY under the given session id.
func (m *Manager) Open(id, command string, args []string, dir string, cols, rows int) error {
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("session %s already open", id)
	}
	m.mu.Unlock()

	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	handle, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return fmt.Errorf("failed to start pty for session %s: %w", id, err)
	}

	s := &ptySession{id: id, cmd: cmd, handle: handle, done: make(chan struct{})}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session transport opened",
		zap.String("session_id", id),
		zap.String("command", command))

	go m.readLoop(s)
	return nil
}

// WriteInput writes raw bytes into one session.
func (m *Manager) WriteInput(id string, data []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	_, err := s.handle.Write(data)
	return err
}

// Resize changes one session's PTY window size.
func (m *Manager) Resize(id string, cols, rows int) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	return s.handle.Resize(uint16(cols), uint16(rows))
}

// Close ends one session: the PTY is closed and the process killed if
// still running.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	_ = s.handle.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
	<-s.done

	m.logger.Info("session transport closed", zap.String("session_id", id))
	return nil
}

// CloseAll ends every session concurrently and returns the first
// close error, if any.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Close(id)
		})
	}
	return g.Wait()
}

// List returns the ids of all open sessions.
func (m *Manager) List() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (m *Manager) readLoop(s *ptySession) {
	defer close(s.done)

	buf := make([]byte, 4096)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 && m.onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.onOutput(s.id, chunk)
		}
		if err != nil {
			break
		}
	}

	m.mu.Lock()
	_, stillTracked := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()

	if stillTracked {
		m.logger.Info("session process ended", zap.String("session_id", s.id))
		if m.onExit != nil {
			m.onExit(s.id)
		}
	}
}
