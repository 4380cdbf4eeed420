package avr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// defaultAdvanceTimeout is how long a transmitted command occupies the
// in-flight slot when no inbound line arrives to release it.
const defaultAdvanceTimeout = time.Second

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Diagnostics receives the session's advisory protocol events. Both events
// are informational: an unhandled line is normal device chatter, and an
// invalid value only means one reply failed to decode.
type Diagnostics interface {
	// UnhandledLine is invoked for every inbound line no pattern claimed.
	UnhandledLine(line string)

	// InvalidValue is invoked when a matched reply fails to decode.
	// raw is the capture that was rejected.
	InvalidValue(id ControlID, raw string)
}

// Change is one observed control state transition, delivered to the
// OnChange observer after a reply line decodes successfully.
type Change struct {
	Control ControlID
	Value   any
}

// SessionStats holds operational counters.
type SessionStats struct {
	LinesRx        uint64
	CommandsTx     uint64
	UnmatchedLines uint64
	DecodeErrors   uint64
	QueueDepth     int
	InFlight       bool
	Connected      bool
}

// SessionConfig holds session tuning knobs.
type SessionConfig struct {
	// AdvanceTimeout bounds how long a transmitted command holds the
	// in-flight slot when the device stays silent. Zero disables pacing
	// entirely: commands drain back-to-back with no backpressure.
	// Default: 1 second. Use DisableAdvanceTimeout for zero.
	AdvanceTimeout time.Duration

	// DisableAdvanceTimeout selects continuous draining (see above).
	// Needed because a zero AdvanceTimeout means "use the default".
	DisableAdvanceTimeout bool
}

// waitResult is delivered to a pending reader exactly once.
type waitResult struct {
	value any
	err   error
}

// waiter is one outstanding read request for a control identity.
type waiter struct {
	ch chan waitResult // buffered, capacity 1
}

// Session is the command/response correlation engine for one receiver
// connection. It owns the pending-write queue, the value cache, and the
// waiter registry; none of them may be shared across sessions.
//
// Thread Safety: all methods are safe for concurrent use. Inbound line
// handling and queue advancement are serialized under one mutex, so no two
// lines are ever processed concurrently.
type Session struct {
	registry       *Registry
	advanceTimeout time.Duration

	mu       sync.Mutex
	stream   LineStream
	cache    map[ControlID]any
	waiters  map[ControlID][]*waiter
	queue    []string
	inFlight bool
	timer    *time.Timer
	sendSeq  uint64 // generation counter guarding stale deadline callbacks
	closed   bool

	// Observer and diagnostics (optional)
	onChange func(Change)
	diag     Diagnostics

	// Shutdown coordination
	wg sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics
	linesRx      atomic.Uint64
	commandsTx   atomic.Uint64
	unmatched    atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewSession creates a session over the given registry.
// Call Open to bind a stream and begin processing.
func NewSession(registry *Registry, cfg SessionConfig) *Session {
	timeout := cfg.AdvanceTimeout
	if cfg.DisableAdvanceTimeout {
		timeout = 0
	} else if timeout == 0 {
		timeout = defaultAdvanceTimeout
	}

	return &Session{
		registry:       registry,
		advanceTimeout: timeout,
		cache:          make(map[ControlID]any),
		waiters:        make(map[ControlID][]*waiter),
	}
}

// Open binds an already-established line stream and starts draining the
// pending-write queue. Commands enqueued before Open are transmitted in
// order once the stream is bound.
//
// The session consumes stream.Lines until it is closed or drops; when that
// happens all outstanding readers fail with ErrDisconnected. There is no
// reconnection: a session is used for exactly one connection.
func (s *Session) Open(stream LineStream) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDisconnected
	}
	if s.stream != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already open", ErrConnectionFailed)
	}
	s.stream = stream
	if len(s.queue) > 0 && !s.inFlight {
		s.promoteLocked()
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiveLoop(stream)
	return nil
}

// receiveLoop dispatches inbound lines until the stream ends.
func (s *Session) receiveLoop(stream LineStream) {
	defer s.wg.Done()

	for line := range stream.Lines() {
		s.handleLine(line)
	}

	// Stream is gone: connection loss is fatal to the session. Fail the
	// outstanding readers rather than leaving them to hang forever.
	s.shutdown()
}

// Close releases the stream and fails all outstanding readers with
// ErrDisconnected. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			s.logError("closing stream", err)
		}
		// receiveLoop observes the closed line channel and shuts down.
		s.wg.Wait()
	}
	s.shutdown()
	return nil
}

// shutdown marks the session closed and fails every pending reader.
// Idempotent; called from both Close and the receive loop's exit path.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.queue = nil
	s.inFlight = false
	s.stream = nil

	pending := s.waiters
	s.waiters = make(map[ControlID][]*waiter)
	s.mu.Unlock()

	for _, ws := range pending {
		for _, w := range ws {
			w.ch <- waitResult{err: ErrDisconnected}
		}
	}
	s.logInfo("session closed")
}

// Read returns the control's last known value, requesting it from the
// device on a cache miss. On a miss the control's status command is
// enqueued and the caller suspends until a matching reply decodes, the
// context is cancelled, or the session closes.
//
// The session itself imposes no read deadline: a control the receiver does
// not support simply never answers, so callers own the timeout.
func (s *Session) Read(ctx context.Context, id ControlID) (any, error) {
	ctrl, ok := s.registry.Control(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownControl, id)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	if v, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return v, nil
	}

	w := &waiter{ch: make(chan waitResult, 1)}
	s.waiters[id] = append(s.waiters[id], w)
	err := s.enqueueLocked(ctrl.StatusCommand)
	s.mu.Unlock()

	if err != nil {
		s.removeWaiter(id, w)
		return nil, err
	}

	select {
	case res := <-w.ch:
		return res.value, res.err
	case <-ctx.Done():
		s.removeWaiter(id, w)
		// Fulfillment may have raced the cancellation; prefer the value.
		select {
		case res := <-w.ch:
			return res.value, res.err
		default:
		}
		return nil, ctx.Err()
	}
}

// Write formats value with the control's codec and enqueues the resulting
// set command. It is fire-and-forget: the device never acknowledges a set,
// and the value cache only updates once the device echoes a status line.
//
// Invalid input (wrong type, numeric out of range, token not in the
// enumeration, non-ASCII text) fails synchronously with nothing sent.
func (s *Session) Write(id ControlID, value any) error {
	ctrl, ok := s.registry.Control(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownControl, id)
	}
	text, err := ctrl.Codec.Format(value)
	if err != nil {
		return err
	}
	return s.Send(ctrl.SetCommand + text)
}

// Send enqueues a raw command string. Most callers want Write; Send exists
// for the handful of bare commands with no status/response cycle (channel
// volume reset, smart select memory).
func (s *Session) Send(command string) error {
	if !isASCII(command) {
		return fmt.Errorf("%w: %q", ErrNotASCII, command)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisconnected
	}
	return s.enqueueLocked(command)
}

// enqueueLocked appends a command to the queue tail and, if no command is
// in flight, promotes the head immediately. Callers hold s.mu.
func (s *Session) enqueueLocked(command string) error {
	s.queue = append(s.queue, command)
	if s.stream != nil && !s.inFlight {
		s.promoteLocked()
	}
	return nil
}

// promoteLocked transmits from the queue head. With pacing enabled exactly
// one command is left in flight and its deadline armed; with a disabled
// advance timeout the whole queue drains back-to-back. Callers hold s.mu.
func (s *Session) promoteLocked() {
	for len(s.queue) > 0 {
		command := s.queue[0]
		s.queue = s.queue[1:]

		if err := s.stream.Send(command); err != nil {
			s.logError("transmit failed", err, "command", command)
			continue
		}
		s.commandsTx.Add(1)

		if s.advanceTimeout > 0 {
			s.inFlight = true
			s.sendSeq++
			seq := s.sendSeq
			s.timer = time.AfterFunc(s.advanceTimeout, func() {
				s.advanceDeadline(seq)
			})
			return
		}
	}
	s.inFlight = false
}

// advanceLocked releases the in-flight slot and promotes the next queued
// command, if any. Callers hold s.mu.
func (s *Session) advanceLocked() {
	if !s.inFlight {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.inFlight = false
	s.promoteLocked()
}

// advanceDeadline is the timer callback for a silent device. The sequence
// number discards callbacks from timers that were already superseded by an
// inbound-line advancement.
func (s *Session) advanceDeadline(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq != s.sendSeq {
		return
	}
	s.advanceLocked()
}

// handleLine classifies one complete inbound line (terminator already
// stripped) against the registry, updates the cache, resolves waiters, and
// releases the in-flight write slot. Any line - matching or not - counts as
// the advancement signal: the protocol has no request IDs, so an arriving
// line is the only evidence that the device is ready for the next command.
func (s *Session) handleLine(line string) {
	s.linesRx.Add(1)

	var changes []Change
	var invalid []Match

	s.mu.Lock()
	matches := s.registry.Match(line)
	for _, m := range matches {
		value, err := m.Control.Codec.Decode(m.Raw)
		if err != nil {
			// Never leave a stale value behind a failed decode. The
			// control's waiters stay pending; a later valid line or the
			// caller's own deadline resolves them.
			delete(s.cache, m.Control.ID)
			s.decodeErrors.Add(1)
			invalid = append(invalid, m)
			continue
		}

		s.cache[m.Control.ID] = value
		for _, w := range s.waiters[m.Control.ID] {
			w.ch <- waitResult{value: value}
		}
		delete(s.waiters, m.Control.ID)
		changes = append(changes, Change{Control: m.Control.ID, Value: value})
	}
	if len(matches) == 0 {
		s.unmatched.Add(1)
	}
	s.advanceLocked()
	onChange := s.onChange
	diag := s.diag
	s.mu.Unlock()

	// Callbacks run outside the lock so observers may call back into the
	// session.
	if len(matches) == 0 {
		s.logDebug("unhandled response", "line", line)
		if diag != nil {
			diag.UnhandledLine(line)
		}
	}
	for _, m := range invalid {
		s.logWarn("invalid value", "control", string(m.Control.ID), "raw", m.Raw)
		if diag != nil {
			diag.InvalidValue(m.Control.ID, m.Raw)
		}
	}
	if onChange != nil {
		for _, c := range changes {
			onChange(c)
		}
	}
}

// removeWaiter unregisters an abandoned waiter so a future fulfillment
// cannot leak into it.
func (s *Session) removeWaiter(id ControlID, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[id]
	for i, cand := range ws {
		if cand == w {
			s.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}

// Cached returns the control's cached value without any I/O.
func (s *Session) Cached(id ControlID) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[id]
	return v, ok
}

// SetOnChange registers the state observer, invoked once per successfully
// decoded reply. Set before Open; the observer must not block for long.
func (s *Session) SetOnChange(fn func(Change)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetDiagnostics registers the advisory event sink. Set before Open.
func (s *Session) SetDiagnostics(d Diagnostics) {
	s.mu.Lock()
	s.diag = d
	s.mu.Unlock()
}

// SetLogger sets the logger for this session.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// Registry returns the response registry this session dispatches against.
func (s *Session) Registry() *Registry { return s.registry }

// IsConnected reports whether the session has a live stream.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil && !s.closed
}

// Stats returns current operational statistics.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	queueDepth := len(s.queue)
	inFlight := s.inFlight
	connected := s.stream != nil && !s.closed
	s.mu.Unlock()

	return SessionStats{
		LinesRx:        s.linesRx.Load(),
		CommandsTx:     s.commandsTx.Load(),
		UnmatchedLines: s.unmatched.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		QueueDepth:     queueDepth,
		InFlight:       inFlight,
		Connected:      connected,
	}
}

// isASCII reports whether s contains only ASCII bytes.
func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func (s *Session) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (s *Session) logInfo(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Session) logWarn(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (s *Session) logError(msg string, err error, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
