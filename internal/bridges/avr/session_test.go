package avr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStream is an in-memory LineStream. Tests record transmitted commands
// with sentCommands and inject device replies with push.
type fakeStream struct {
	mu      sync.Mutex
	sent    []string
	sendErr error

	lines     chan string
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{lines: make(chan string, 16)}
}

func (f *fakeStream) Send(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, command)
	return nil
}

func (f *fakeStream) Lines() <-chan string { return f.lines }

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.lines) })
	return nil
}

// push injects a device reply line.
func (f *fakeStream) push(line string) { f.lines <- line }

func (f *fakeStream) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestSession(t *testing.T, cfg SessionConfig) (*Session, *fakeStream) {
	t.Helper()

	reg, err := NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry failed: %v", err)
	}

	s := NewSession(reg, cfg)
	f := newFakeStream()
	if err := s.Open(f); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	return s, f
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitForSent waits until the stream has transmitted n commands.
func waitForSent(t *testing.T, f *fakeStream, n int) {
	t.Helper()
	waitFor(t, "command transmission", func() bool { return f.sentCount() >= n })
}

func TestSessionReadQueriesDevice(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	type result struct {
		value any
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := s.Read(context.Background(), ControlPower)
		resCh <- result{v, err}
	}()

	// The cache miss must provoke exactly one status command.
	waitForSent(t, f, 1)
	if got := f.sentCommands()[0]; got != "PW?" {
		t.Fatalf("sent %q, want %q", got, "PW?")
	}

	f.push("PWOFF")

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Read failed: %v", res.err)
	}
	if res.value != "OFF" {
		t.Errorf("Read = %v, want OFF", res.value)
	}
}

func TestSessionReadServedFromCache(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	f.push("MV50")
	waitFor(t, "cache population", func() bool {
		_, ok := s.Cached(ControlMasterVolume)
		return ok
	})

	v, err := s.Read(context.Background(), ControlMasterVolume)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if v != 50 {
		t.Errorf("Read = %v, want 50", v)
	}
	if f.sentCount() != 0 {
		t.Errorf("cache hit transmitted %d commands, want 0", f.sentCount())
	}
}

func TestSessionWriteEchoUpdatesCache(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	if err := s.Write(ControlPower, "ON"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitForSent(t, f, 1)
	if got := f.sentCommands()[0]; got != "PWON" {
		t.Fatalf("sent %q, want %q", got, "PWON")
	}

	// The write itself must not populate the cache.
	if _, ok := s.Cached(ControlPower); ok {
		t.Fatal("write populated cache before any device report")
	}

	// Device confirms by echoing a report line.
	f.push("PWON")
	waitFor(t, "cache population", func() bool {
		_, ok := s.Cached(ControlPower)
		return ok
	})

	v, err := s.Read(context.Background(), ControlPower)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if v != "ON" {
		t.Errorf("Read = %v, want ON", v)
	}
}

func TestSessionWriteValidation(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	tests := []struct {
		name    string
		id      ControlID
		value   any
		wantErr error
	}{
		{"unknown control", "nonexistent", "ON", ErrUnknownControl},
		{"wrong type", ControlPower, 42, ErrInvalidValue},
		{"enum non-member", ControlInputSource, "VHS", ErrInvalidValue},
		{"numeric overflow", ControlMasterVolume, 150, ErrValueOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Write(tt.id, tt.value); !errors.Is(err, tt.wantErr) {
				t.Errorf("Write error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Nothing may reach the wire from a rejected write.
	if f.sentCount() != 0 {
		t.Errorf("rejected writes transmitted %d commands, want 0", f.sentCount())
	}
}

func TestSessionRelativeVolumeWrite(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{DisableAdvanceTimeout: true})

	if err := s.Write(ControlMasterVolume, AdjustUp); err != nil {
		t.Fatalf("Write(+) failed: %v", err)
	}
	if err := s.Write(ControlMasterVolume, AdjustDown); err != nil {
		t.Fatalf("Write(-) failed: %v", err)
	}
	if err := s.Write(ControlMasterVolume, 7); err != nil {
		t.Fatalf("Write(7) failed: %v", err)
	}

	waitForSent(t, f, 3)
	want := []string{"MVUP", "MVDOWN", "MV07"}
	got := f.sentCommands()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSessionSingleInFlight(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{AdvanceTimeout: time.Minute})

	for _, cmd := range []string{"PW?", "MV?", "SI?"} {
		if err := s.Send(cmd); err != nil {
			t.Fatalf("Send(%s) failed: %v", cmd, err)
		}
	}

	// Only the head of the queue may be on the wire.
	waitForSent(t, f, 1)
	if f.sentCount() != 1 {
		t.Fatalf("transmitted %d commands, want 1", f.sentCount())
	}

	// Each inbound line releases exactly one more command, in FIFO order.
	f.push("PWON")
	waitForSent(t, f, 2)
	if f.sentCount() != 2 {
		t.Fatalf("transmitted %d commands after one line, want 2", f.sentCount())
	}

	f.push("MV50")
	waitForSent(t, f, 3)

	got := f.sentCommands()
	want := []string{"PW?", "MV?", "SI?"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// Any line at all releases the in-flight slot, even chatter no pattern
// claims. The protocol has no request IDs; an arriving line is the only
// readiness signal there is.
func TestSessionUnmatchedLineAdvancesQueue(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{AdvanceTimeout: time.Minute})

	if err := s.Send("PW?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := s.Send("MV?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForSent(t, f, 1)

	f.push("NSE1Some Track Title")
	waitForSent(t, f, 2)

	stats := s.Stats()
	if stats.UnmatchedLines != 1 {
		t.Errorf("UnmatchedLines = %d, want 1", stats.UnmatchedLines)
	}
}

func TestSessionAdvanceDeadline(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{AdvanceTimeout: 20 * time.Millisecond})

	if err := s.Send("PW?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := s.Send("MV?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// A silent device releases the slot after the deadline.
	waitForSent(t, f, 2)
}

func TestSessionContinuousDrain(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{DisableAdvanceTimeout: true})

	for _, cmd := range []string{"PW?", "MV?", "SI?", "CV?"} {
		if err := s.Send(cmd); err != nil {
			t.Fatalf("Send(%s) failed: %v", cmd, err)
		}
	}

	// With pacing disabled the queue drains back-to-back with no device
	// participation at all.
	waitForSent(t, f, 4)
	if s.Stats().InFlight {
		t.Error("InFlight = true with pacing disabled")
	}
}

func TestSessionMalformedReplyInvalidatesCache(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})
	diag := &recordingDiagnostics{}
	s.SetDiagnostics(diag)

	f.push("SIDVD")
	waitFor(t, "cache population", func() bool {
		_, ok := s.Cached(ControlInputSource)
		return ok
	})

	// A matched line whose capture fails to decode must evict the stale
	// value rather than leave it behind.
	f.push("SIBOGUS")
	waitFor(t, "cache invalidation", func() bool {
		_, ok := s.Cached(ControlInputSource)
		return !ok
	})

	if s.Stats().DecodeErrors == 0 {
		t.Error("DecodeErrors = 0, want > 0")
	}
	waitFor(t, "diagnostics callback", func() bool {
		return diag.invalidCount() > 0
	})
}

func TestSessionMalformedReplyDoesNotFulfillWaiter(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := s.Read(ctx, ControlInputSource)
		errCh <- err
	}()

	waitForSent(t, f, 1)
	f.push("SIBOGUS")

	// The waiter must stay pending until its own deadline, not resolve
	// with a rejected token.
	if err := <-errCh; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read error = %v, want context.DeadlineExceeded", err)
	}
}

func TestSessionBulkQueryFulfillsEachTrim(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{DisableAdvanceTimeout: true})

	type result struct {
		id    ControlID
		value any
		err   error
	}
	resCh := make(chan result, 2)
	for _, id := range []ControlID{"channel_volume_front_left", "channel_volume_front_right"} {
		go func(id ControlID) {
			v, err := s.Read(context.Background(), id)
			resCh <- result{id, v, err}
		}(id)
	}

	// Both misses enqueue the shared bulk query.
	waitForSent(t, f, 2)
	for _, cmd := range f.sentCommands() {
		if cmd != "CV?" {
			t.Errorf("sent %q, want CV?", cmd)
		}
	}

	// The device answers with one line per channel; each read must be
	// fulfilled by its own line.
	f.push("CVFL 50")
	f.push("CVFR 44")

	want := map[ControlID]int{
		"channel_volume_front_left":  50,
		"channel_volume_front_right": 44,
	}
	for i := 0; i < 2; i++ {
		res := <-resCh
		if res.err != nil {
			t.Fatalf("Read(%s) failed: %v", res.id, res.err)
		}
		if res.value != want[res.id] {
			t.Errorf("Read(%s) = %v, want %d", res.id, res.value, want[res.id])
		}
	}
}

func TestSessionCloseFailsWaiters(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background(), ControlPower)
		errCh <- err
	}()
	waitForSent(t, f, 1)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := <-errCh; !errors.Is(err, ErrDisconnected) {
		t.Errorf("Read error = %v, want ErrDisconnected", err)
	}
}

func TestSessionStreamDropFailsWaiters(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background(), ControlPower)
		errCh <- err
	}()
	waitForSent(t, f, 1)

	// Simulate the peer dropping the connection.
	f.Close() //nolint:errcheck

	if err := <-errCh; !errors.Is(err, ErrDisconnected) {
		t.Errorf("Read error = %v, want ErrDisconnected", err)
	}
	waitFor(t, "session disconnect", func() bool { return !s.IsConnected() })
}

func TestSessionReadAbandonedOnCancel(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(ctx, ControlPower)
		errCh <- err
	}()
	waitForSent(t, f, 1)

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Read error = %v, want context.Canceled", err)
	}

	// A late reply must not misbehave against the abandoned waiter, and
	// still populates the cache for future reads.
	f.push("PWON")
	waitFor(t, "cache population", func() bool {
		_, ok := s.Cached(ControlPower)
		return ok
	})
}

func TestSessionReadAfterClose(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := s.Read(context.Background(), ControlPower); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Read error = %v, want ErrDisconnected", err)
	}
	if err := s.Write(ControlPower, "ON"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Write error = %v, want ErrDisconnected", err)
	}
}

func TestSessionRejectsNonASCII(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	if err := s.Send("MV5é"); !errors.Is(err, ErrNotASCII) {
		t.Errorf("Send error = %v, want ErrNotASCII", err)
	}
	if f.sentCount() != 0 {
		t.Errorf("transmitted %d commands, want 0", f.sentCount())
	}
}

func TestSessionQueueBeforeOpen(t *testing.T) {
	reg, err := NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry failed: %v", err)
	}
	s := NewSession(reg, SessionConfig{DisableAdvanceTimeout: true})

	// Commands enqueued before a stream exists are held, not dropped.
	if err := s.Write(ControlPower, "ON"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Send("MV?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	f := newFakeStream()
	if err := s.Open(f); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	waitForSent(t, f, 2)
	got := f.sentCommands()
	if got[0] != "PWON" || got[1] != "MV?" {
		t.Errorf("sent %v, want [PWON MV?]", got)
	}
}

func TestSessionDoubleOpen(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	if err := s.Open(newFakeStream()); err == nil {
		t.Error("second Open succeeded, want error")
	}
}

func TestSessionOnChange(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{})

	var mu sync.Mutex
	var changes []Change
	s.SetOnChange(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	// Spontaneous device reports (front panel use) flow through the same
	// observer as provoked replies.
	f.push("MV62")
	f.push("SITV")

	waitFor(t, "change notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if changes[0].Control != ControlMasterVolume || changes[0].Value != 62 {
		t.Errorf("change 0 = %+v, want master_volume=62", changes[0])
	}
	if changes[1].Control != ControlInputSource || changes[1].Value != "TV" {
		t.Errorf("change 1 = %+v, want input_source=TV", changes[1])
	}
}

func TestSessionStats(t *testing.T) {
	s, f := newTestSession(t, SessionConfig{DisableAdvanceTimeout: true})

	if err := s.Send("PW?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForSent(t, f, 1)
	f.push("PWON")
	f.push("GARBAGE LINE")

	waitFor(t, "stats", func() bool { return s.Stats().LinesRx == 2 })

	stats := s.Stats()
	if stats.CommandsTx != 1 {
		t.Errorf("CommandsTx = %d, want 1", stats.CommandsTx)
	}
	if stats.UnmatchedLines != 1 {
		t.Errorf("UnmatchedLines = %d, want 1", stats.UnmatchedLines)
	}
	if !stats.Connected {
		t.Error("Connected = false, want true")
	}
}

// recordingDiagnostics captures advisory events for assertions.
type recordingDiagnostics struct {
	mu        sync.Mutex
	unhandled []string
	invalid   []ControlID
}

func (d *recordingDiagnostics) UnhandledLine(line string) {
	d.mu.Lock()
	d.unhandled = append(d.unhandled, line)
	d.mu.Unlock()
}

func (d *recordingDiagnostics) InvalidValue(id ControlID, raw string) {
	d.mu.Lock()
	d.invalid = append(d.invalid, id)
	d.mu.Unlock()
}

func (d *recordingDiagnostics) invalidCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.invalid)
}
