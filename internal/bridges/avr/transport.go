package avr

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Default timeouts for the receiver connection.
const (
	// defaultConnectTimeout is the maximum time to wait for the TCP dial.
	defaultConnectTimeout = 10 * time.Second

	// defaultWriteTimeout is the timeout for individual write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultControlPort is the receiver's telnet control port.
	defaultControlPort = 23

	// lineTerminator ends every command and reply. The protocol uses a
	// bare carriage return; there is no line feed.
	lineTerminator = '\r'

	// lineQueueSize bounds inbound lines buffered ahead of the session.
	lineQueueSize = 64
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// LineStream is the duplex, line-oriented byte stream a Session consumes.
// Implementations deliver complete inbound lines (terminator stripped) on
// the Lines channel and close it when the connection ends.
type LineStream interface {
	// Send transmits one command; the implementation appends the
	// terminator.
	Send(command string) error

	// Lines is the inbound line source. Closed when the stream ends.
	Lines() <-chan string

	// Close releases the underlying connection. Safe to call twice.
	Close() error
}

// StreamConfig holds receiver connection settings.
type StreamConfig struct {
	// Host is the receiver's address (name or IP).
	Host string

	// Port is the control port. Default: 23.
	Port int

	// ConnectTimeout bounds the TCP dial. Default: 10 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout bounds individual writes. Default: 5 seconds.
	WriteTimeout time.Duration
}

// TCPStream is a LineStream over a TCP connection to the receiver.
//
// There is no auto-reconnect: when the connection drops the line channel
// closes and the owning session shuts down.
type TCPStream struct {
	conn         net.Conn
	lines        chan string
	writeTimeout time.Duration

	writeMu sync.Mutex
	done    *closeOnce
	wg      sync.WaitGroup
}

// Ensure TCPStream implements LineStream.
var _ LineStream = (*TCPStream)(nil)

// Dial connects to the receiver's control port and starts the line reader.
func Dial(ctx context.Context, cfg StreamConfig) (*TCPStream, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: no host configured", ErrConnectionFailed)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultControlPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	return NewTCPStream(conn, cfg.WriteTimeout), nil
}

// NewTCPStream wraps an already-established connection. Used by Dial and by
// tests that substitute a net.Pipe end.
func NewTCPStream(conn net.Conn, writeTimeout time.Duration) *TCPStream {
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}
	s := &TCPStream{
		conn:         conn,
		lines:        make(chan string, lineQueueSize),
		writeTimeout: writeTimeout,
		done:         newCloseOnce(),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

// readLoop splits the inbound byte stream on the carriage-return terminator
// and delivers complete lines until the connection ends.
func (s *TCPStream) readLoop() {
	defer s.wg.Done()
	defer close(s.lines)

	reader := bufio.NewReader(s.conn)
	for {
		line, err := reader.ReadString(lineTerminator)
		if err != nil {
			// A partial line at EOF carries no terminator and is dropped;
			// the protocol never leaves a reply unterminated. Read errors
			// after Close are expected; anything else is the connection
			// dropping - either way the stream is done.
			return
		}
		line = strings.TrimSuffix(line, string(lineTerminator))

		select {
		case s.lines <- line:
		case <-s.done.Done():
			return
		}
	}
}

// Send transmits one command followed by the line terminator.
func (s *TCPStream) Send(command string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrDisconnected
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := s.conn.Write([]byte(command + string(lineTerminator))); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Lines returns the inbound line source.
func (s *TCPStream) Lines() <-chan string {
	return s.lines
}

// Close releases the connection and stops the reader. Safe to call
// multiple times.
func (s *TCPStream) Close() error {
	s.done.Close()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// isClosed returns true if the stream has been closed.
func (s *TCPStream) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}
