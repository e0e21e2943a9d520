// Package transport carries raw bytes to and from interactive terminal
// sessions. Each session is an external command running in a PTY; the
// rest of the system only sees an opaque bidirectional byte channel per
// session id.
package transport

import "io"

// PtyHandle abstracts PTY operations across Unix and Windows.
// On Unix it wraps creack/pty (*os.File); on Windows, ConPTY.
type PtyHandle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}
