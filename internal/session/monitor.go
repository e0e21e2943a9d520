package session

import (
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/detector"
)

// SignalCallback receives the detector's signals after each check. It
// is invoked without the monitor lock held.
type SignalCallback func(sessionID string, sig detector.Signals)

// MonitorConfig configures one session monitor.
type MonitorConfig struct {
	Rows          int           // terminal rows (default 24)
	Cols          int           // terminal columns (default 80)
	CheckInterval time.Duration // minimum interval between checks (default 100ms)
	WindowChars   int           // trailing window fed to the detector (default 2000)
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Rows:          24,
		Cols:          80,
		CheckInterval: 100 * time.Millisecond,
		WindowChars:   2000,
	}
}

// Monitor feeds one session's raw output through a virtual terminal
// emulator and classifies the visible content on demand. It is passive:
// the output pump calls Write for every chunk and CheckAndUpdate when
// ShouldCheck reports a check is due.
type Monitor struct {
	logger    *logger.Logger
	sessionID string
	detector  *detector.Detector
	registry  *Registry
	callback  SignalCallback
	config    MonitorConfig

	term vt10x.Terminal

	mu         sync.Mutex
	lastCheck  time.Time
	lastStatus detector.Status
}

// NewMonitor creates a monitor for one session. The registry receives
// status transitions; the callback receives the full signal set.
func NewMonitor(
	sessionID string,
	det *detector.Detector,
	registry *Registry,
	callback SignalCallback,
	config MonitorConfig,
	log *logger.Logger,
) *Monitor {
	if config.Rows <= 0 {
		config.Rows = 24
	}
	if config.Cols <= 0 {
		config.Cols = 80
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 100 * time.Millisecond
	}
	if config.WindowChars <= 0 {
		config.WindowChars = 2000
	}

	term := vt10x.New(vt10x.WithSize(config.Cols, config.Rows))

	return &Monitor{
		logger: log.WithFields(
			zap.String("component", "session-monitor"),
			zap.String("session_id", sessionID)),
		sessionID:  sessionID,
		detector:   det,
		registry:   registry,
		callback:   callback,
		config:     config,
		term:       term,
		lastStatus: detector.StatusReady,
	}
}

// Write feeds raw output data to the virtual terminal.
func (m *Monitor) Write(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _ = m.term.Write(data)
}

// Resize updates the virtual terminal size.
func (m *Monitor) Resize(cols, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.term.Resize(cols, rows)
	m.config.Cols = cols
	m.config.Rows = rows
}

// ShouldCheck reports whether the check interval has elapsed since the
// last classification.
func (m *Monitor) ShouldCheck() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return time.Since(m.lastCheck) >= m.config.CheckInterval
}

// CheckAndUpdate classifies the current terminal content, pushes the
// status into the registry and hands the signals to the callback.
func (m *Monitor) CheckAndUpdate() detector.Signals {
	m.mu.Lock()
	m.lastCheck = time.Now()
	window := m.extractWindow()
	sig := m.detector.Analyze(window)
	changed := sig.Status != m.lastStatus
	m.lastStatus = sig.Status
	m.mu.Unlock()

	if changed {
		m.logger.Debug("session status changed", zap.String("status", string(sig.Status)))
	}
	m.registry.SetStatus(m.sessionID, sig.Status)

	if m.callback != nil {
		m.callback(m.sessionID, sig)
	}
	return sig
}

// Window returns the trailing output window the detector sees.
func (m *Monitor) Window() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extractWindow()
}

// extractWindow renders the visible terminal rows into a single string
// and trims it to the configured trailing window. Must be called with
// the lock held.
func (m *Monitor) extractWindow() string {
	var sb strings.Builder
	for row := 0; row < m.config.Rows; row++ {
		var rowChars []rune
		for col := 0; col < m.config.Cols; col++ {
			g := m.term.Cell(col, row)
			if g.Char == 0 {
				rowChars = append(rowChars, ' ')
			} else {
				rowChars = append(rowChars, g.Char)
			}
		}
		line := strings.TrimRight(string(rowChars), " ")
		if line != "" || sb.Len() > 0 {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	window := strings.TrimRight(sb.String(), "\n ")
	runes := []rune(window)
	if len(runes) > m.config.WindowChars {
		window = string(runes[len(runes)-m.config.WindowChars:])
	}
	return window
}
