package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Link defaults.
const (
	// DefaultBaudRate is the display firmware's line speed.
	DefaultBaudRate = 115200

	// defaultReadTimeout is used when LinkConfig.ReadTimeout is zero.
	defaultReadTimeout = time.Second

	// readChunkSize is the size of a single read from the port.
	readChunkSize = 256

	// maxPendingBytes caps buffered input with no newline. Beyond this the
	// partial line is discarded.
	maxPendingBytes = 4096
)

// State is the Link's connection state.
type State int32

// Link states.
const (
	StateUnattached State = iota
	StateAttached
	StateFaulted
)

// String returns the state name used in logs and health reports.
func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttached:
		return "attached"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Port is the subset of go.bug.st/serial.Port used by Link.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// OpenFunc opens a serial port by name.
type OpenFunc func(name string, mode *serial.Mode) (Port, error)

// openSerial opens a real port through go.bug.st/serial.
func openSerial(name string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// LinkConfig holds serial link settings.
type LinkConfig struct {
	// BaudRate is the line speed. Default: 115200.
	BaudRate int

	// ReadTimeout is the read timeout set when the port is opened.
	// Default: 1 second.
	ReadTimeout time.Duration

	// Open overrides how ports are opened. Default: go.bug.st/serial.Open.
	Open OpenFunc

	// Logger receives state transitions and faults.
	Logger Logger
}

// LinkStats holds operational statistics.
type LinkStats struct {
	LinesTx      uint64    `json:"lines_tx"`
	LinesRx      uint64    `json:"lines_rx"`
	BytesDropped uint64    `json:"bytes_dropped"` // Partial-line bytes discarded past maxPendingBytes
	Opens        uint64    `json:"opens"`
	Faults       uint64    `json:"faults"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	State        State     `json:"-"`
	Port         string    `json:"-"`
}

// Link is a line-oriented connection to the display.
//
// Thread Safety:
//   - Open, WriteLine, TryReadLine, Pending, MarkFaulted and Close must be
//     called from one goroutine (the owner).
//   - State, PortName, LastError and Stats are safe from any goroutine.
type Link struct {
	baudRate    int
	readTimeout time.Duration
	open        OpenFunc
	logger      Logger

	// Owned by the I/O goroutine.
	port    Port
	pending []byte
	chunk   []byte

	state atomic.Int32

	infoMu   sync.RWMutex
	portName string
	lastErr  error

	linesTx      atomic.Uint64
	linesRx      atomic.Uint64
	bytesDropped atomic.Uint64
	opens        atomic.Uint64
	faults       atomic.Uint64
	lastActivity atomic.Int64
}

// NewLink creates an unattached Link.
func NewLink(cfg LinkConfig) *Link {
	l := &Link{
		baudRate:    cfg.BaudRate,
		readTimeout: cfg.ReadTimeout,
		open:        cfg.Open,
		logger:      cfg.Logger,
		chunk:       make([]byte, readChunkSize),
	}
	if l.baudRate <= 0 {
		l.baudRate = DefaultBaudRate
	}
	if l.readTimeout <= 0 {
		l.readTimeout = defaultReadTimeout
	}
	if l.open == nil {
		l.open = openSerial
	}
	if l.logger == nil {
		l.logger = noopLogger{}
	}
	return l
}

// Open attaches the link to the named port at the configured baud, 8N1.
// Any existing handle is closed first.
//
// Returns:
//   - error: wrapping ErrPortUnavailable if the port is missing, busy, or
//     cannot be configured; the link is then Unattached
func (l *Link) Open(name string) error {
	l.closePort()

	mode := &serial.Mode{
		BaudRate: l.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := l.open(name, mode)
	if err != nil {
		l.setState(StateUnattached, err)
		return fmt.Errorf("%w: %s: %s: %w", ErrPortUnavailable, name, describePortError(err), err)
	}

	if err := port.SetReadTimeout(l.readTimeout); err != nil {
		_ = port.Close()
		l.setState(StateUnattached, err)
		return fmt.Errorf("%w: %s: setting read timeout: %w", ErrPortUnavailable, name, err)
	}

	l.port = port
	l.pending = l.pending[:0]

	l.infoMu.Lock()
	l.portName = name
	l.infoMu.Unlock()

	l.opens.Add(1)
	l.touch()
	l.setState(StateAttached, nil)
	l.logger.Info("serial link attached", "port", name, "baud", l.baudRate)

	return nil
}

// WriteLine writes text followed by a newline. The Link does not retry.
//
// Returns:
//   - error: wrapping ErrLinkFault on any failure, including a short write
func (l *Link) WriteLine(text string) error {
	if l.port == nil {
		return fmt.Errorf("%w: %w", ErrLinkFault, ErrNotAttached)
	}

	data := make([]byte, 0, len(text)+1)
	data = append(data, text...)
	data = append(data, '\n')

	n, err := l.port.Write(data)
	if err != nil {
		return fmt.Errorf("%w: write: %w", ErrLinkFault, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: write: %w (%d of %d bytes)", ErrLinkFault, io.ErrShortWrite, n, len(data))
	}

	l.linesTx.Add(1)
	l.touch()
	return nil
}

// TryReadLine returns one newline-terminated line if it completes within
// timeout. Partial input is kept for the next call. The line is trimmed of
// CR/LF and surrounding whitespace; invalid UTF-8 is replaced with U+FFFD.
//
// Returns:
//   - string: The line, without terminator
//   - bool: false if no complete line arrived before timeout
//   - error: wrapping ErrLinkFault on read failure
func (l *Link) TryReadLine(timeout time.Duration) (string, bool, error) {
	if l.port == nil {
		return "", false, fmt.Errorf("%w: %w", ErrLinkFault, ErrNotAttached)
	}

	if line, ok := l.takeLine(); ok {
		return line, true, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}

		if err := l.port.SetReadTimeout(remaining); err != nil {
			return "", false, fmt.Errorf("%w: set read timeout: %w", ErrLinkFault, err)
		}

		n, err := l.port.Read(l.chunk)
		if n > 0 {
			l.appendPending(l.chunk[:n])
			if line, ok := l.takeLine(); ok {
				return line, true, nil
			}
		}
		if err != nil {
			return "", false, fmt.Errorf("%w: read: %w", ErrLinkFault, err)
		}
		if n == 0 {
			// go.bug.st/serial reports a read timeout as (0, nil).
			return "", false, nil
		}
	}
}

// Pending reports whether part of a line has been read but not yet
// terminated.
func (l *Link) Pending() bool {
	return len(l.pending) > 0
}

// appendPending buffers input, dropping an over-long partial line.
func (l *Link) appendPending(b []byte) {
	l.pending = append(l.pending, b...)
	if len(l.pending) <= maxPendingBytes || bytes.IndexByte(l.pending, '\n') >= 0 {
		return
	}
	l.bytesDropped.Add(uint64(len(l.pending)))
	l.logger.Debug("serial input discarded, no line terminator", "bytes", len(l.pending))
	l.pending = l.pending[:0]
}

// takeLine pops the first complete line from the pending buffer.
func (l *Link) takeLine() (string, bool) {
	i := bytes.IndexByte(l.pending, '\n')
	if i < 0 {
		return "", false
	}

	raw := string(l.pending[:i])
	rest := copy(l.pending, l.pending[i+1:])
	l.pending = l.pending[:rest]

	l.linesRx.Add(1)
	l.touch()
	return strings.TrimSpace(strings.ToValidUTF8(raw, "\uFFFD")), true
}

// MarkFaulted closes the handle after an I/O error; the state becomes Faulted.
func (l *Link) MarkFaulted(err error) {
	l.closePort()
	l.faults.Add(1)
	l.setState(StateFaulted, err)
	l.logger.Warn("serial link faulted", "port", l.PortName(), "error", err)
}

// Close releases the handle. The state becomes Unattached. Idempotent.
func (l *Link) Close() error {
	err := l.closePort()
	l.setState(StateUnattached, nil)
	if err != nil {
		return fmt.Errorf("closing serial port: %w", err)
	}
	return nil
}

// closePort closes the current handle, if any, and clears buffered input.
func (l *Link) closePort() error {
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	l.pending = l.pending[:0]
	return err
}

// setState records a state transition and its cause.
func (l *Link) setState(s State, cause error) {
	l.state.Store(int32(s))
	l.infoMu.Lock()
	l.lastErr = cause
	l.infoMu.Unlock()
}

func (l *Link) touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}

// State returns the current link state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// IsAttached reports whether the link is Attached.
func (l *Link) IsAttached() bool {
	return l.State() == StateAttached
}

// PortName returns the last port opened (or attempted), or "" if none.
func (l *Link) PortName() string {
	l.infoMu.RLock()
	defer l.infoMu.RUnlock()
	return l.portName
}

// LastError returns the error behind the most recent fault or failed open.
func (l *Link) LastError() error {
	l.infoMu.RLock()
	defer l.infoMu.RUnlock()
	return l.lastErr
}

// Stats returns a snapshot of link statistics.
func (l *Link) Stats() LinkStats {
	var last time.Time
	if ns := l.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return LinkStats{
		LinesTx:      l.linesTx.Load(),
		LinesRx:      l.linesRx.Load(),
		BytesDropped: l.bytesDropped.Load(),
		Opens:        l.opens.Load(),
		Faults:       l.faults.Load(),
		LastActivity: last,
		State:        l.State(),
		Port:         l.PortName(),
	}
}

// describePortError names the go.bug.st/serial error code, if any.
func describePortError(err error) string {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		return portErrorName(pe.Code())
	}
	var pv serial.PortError
	if errors.As(err, &pv) {
		return portErrorName(pv.Code())
	}
	return "open failed"
}

func portErrorName(code serial.PortErrorCode) string {
	switch code {
	case serial.PortBusy:
		return "port busy"
	case serial.PortNotFound:
		return "port not found"
	case serial.PermissionDenied:
		return "permission denied"
	case serial.InvalidSerialPort:
		return "not a serial port"
	case serial.InvalidSpeed:
		return "invalid baud rate"
	default:
		return "open failed"
	}
}
