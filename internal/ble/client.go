package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	blecrypto "github.com/chaz8081/fluvalctl/internal/ble/crypto"
	"github.com/chaz8081/fluvalctl/internal/ble/protocol"
)

// ConnectionState is the link state of a Client.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives link events from a Client. Both methods are called from
// client goroutines and must not block for long.
type Handler interface {
	// OnConnected reports connectivity changes.
	OnConnected(connected bool)
	// HandleFrame receives each complete, decrypted report frame. A returned
	// error discards the frame; the link stays up.
	HandleFrame(frame []byte) error
}

// Backoff selects the delay policy between reconnect attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// ClientOptions configures the BLE client behavior.
type ClientOptions struct {
	KeepaliveInterval time.Duration // max sleep between keepalive reads
	WriteDeadline     time.Duration // pending writes older than this are dropped
	ActiveWindow      time.Duration // 0 keeps the link up forever; otherwise go idle this long after the last Send
	ConnectTimeout    time.Duration
	IOTimeout         time.Duration // per characteristic read/write
	ReconnectDelay    time.Duration // fixed delay, or the base for exponential backoff
	ReconnectMax      time.Duration // cap for exponential backoff
	Backoff           Backoff
}

// DefaultClientOptions returns the timings the fixture firmware expects.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		KeepaliveInterval: 10 * time.Second,
		WriteDeadline:     15 * time.Second,
		ActiveWindow:      0,
		ConnectTimeout:    30 * time.Second,
		IOTimeout:         10 * time.Second,
		ReconnectDelay:    time.Second,
		ReconnectMax:      30 * time.Second,
		Backoff:           BackoffFixed,
	}
}

func (o ClientOptions) withDefaults() ClientOptions {
	def := DefaultClientOptions()
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = def.KeepaliveInterval
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = def.WriteDeadline
	}
	if o.ActiveWindow < 0 {
		o.ActiveWindow = 0
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = def.IOTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = def.ReconnectDelay
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = def.ReconnectMax
	}
	if o.ReconnectMax < o.ReconnectDelay {
		o.ReconnectMax = o.ReconnectDelay
	}
	if o.Backoff == "" {
		o.Backoff = def.Backoff
	}
	return o
}

type pendingWrite struct {
	payload  []byte
	deadline time.Time
}

var errLinkLost = errors.New("link lost")

// Client manages the BLE link to one Fluval fixture. A single goroutine owns
// the link: it connects, performs the handshake, runs the keepalive cycle,
// and is the only writer of commands. Send hands it a payload and wakes it.
type Client struct {
	adapter Adapter
	mac     string
	handler Handler
	opts    ClientOptions
	now     func() time.Time

	mu          sync.Mutex
	state       ConnectionState
	pending     *pendingWrite
	activeUntil time.Time
	lastErr     error
	started     bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}

	wake     chan struct{}
	sessions atomic.Int32 // open links; never exceeds 1
}

// NewClient creates a client for the fixture at mac. Call Start to begin
// connecting.
func NewClient(adapter Adapter, mac string, handler Handler, opts ClientOptions) *Client {
	if adapter == nil || handler == nil {
		panic("ble: NewClient called with nil adapter or handler")
	}
	return &Client{
		adapter: adapter,
		mac:     mac,
		handler: handler,
		opts:    opts.withDefaults(),
		now:     time.Now,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// MAC returns the address the client connects to.
func (c *Client) MAC() string { return c.mac }

// Start launches the connection loop in the background and returns
// immediately. It is a no-op after the first call.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	c.activeUntil = c.now().Add(c.opts.ActiveWindow)

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Send queues payload as the next command. An unsent earlier payload is
// replaced. The keepalive cycle is woken so the write goes out right away
// if the link is up; if the client is idle, a new connection is started.
// Safe for concurrent use.
func (c *Client) Send(payload []byte) error {
	data := make([]byte, len(payload))
	copy(data, payload)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	now := c.now()
	if c.pending != nil {
		slog.Debug("[BLE] replacing unsent command", "mac", c.mac)
	}
	c.pending = &pendingWrite{payload: data, deadline: now.Add(c.opts.WriteDeadline)}
	c.activeUntil = now.Add(c.opts.ActiveWindow)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// State returns the current link state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports whether a command is queued and not yet acknowledged.
func (c *Client) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// LastError returns the most recent link or frame error, for diagnostics.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close stops the keepalive cycle, tears down the link and waits for the
// connection goroutine to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.pending != nil {
		slog.Warn("[BLE] closing with unsent command", "mac", c.mac)
	}
	cancel, started := c.cancel, c.started
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	}
	return nil
}

// backoffDelay returns the reconnection delay for attempt n: base doubled
// n times, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func (c *Client) reconnectDelay(attempt int) time.Duration {
	if c.opts.Backoff == BackoffExponential {
		return backoffDelay(attempt, c.opts.ReconnectDelay, c.opts.ReconnectMax)
	}
	return c.opts.ReconnectDelay
}

// run is the connection loop. It never gives up; only ctx ends it.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		if !c.waitActive(ctx) {
			return
		}

		c.setState(StateConnecting)
		handshaken, err := c.session(ctx)
		c.setDisconnected(err)

		if ctx.Err() != nil {
			slog.Debug("[BLE] connection loop stopped", "mac", c.mac)
			return
		}
		if errors.Is(err, errIdle) {
			slog.Info("[BLE] active window expired, going idle", "mac", c.mac)
			attempt = 0
			continue
		}
		if handshaken {
			attempt = 0
		}
		c.logSessionError(err)

		delay := c.reconnectDelay(attempt)
		attempt++
		slog.Debug("[BLE] reconnect backoff", "mac", c.mac, "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// waitActive blocks while the client is idle. It returns false when ctx ends.
func (c *Client) waitActive(ctx context.Context) bool {
	for !c.isActive() {
		select {
		case <-ctx.Done():
			return false
		case <-c.wake:
		}
	}
	return ctx.Err() == nil
}

// isActive reports whether the link should be held open.
func (c *Client) isActive() bool {
	if c.opts.ActiveWindow == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil || c.now().Before(c.activeUntil)
}

func (c *Client) logSessionError(err error) {
	var le *LinkError
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		slog.Debug("[BLE] timed out, reconnecting", "mac", c.mac, "error", err)
	case errors.As(err, &le):
		slog.Debug("[BLE] link error, reconnecting", "mac", c.mac, "error", err)
	default:
		slog.Warn("[BLE] unexpected error, reconnecting", "mac", c.mac, "error", err)
	}
}

// session runs one connection from connect to teardown. handshaken reports
// whether the handshake completed, which resets the backoff.
func (c *Client) session(ctx context.Context) (handshaken bool, err error) {
	connCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	conn, err := c.adapter.Connect(connCtx, c.mac)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return false, err
	}

	if n := c.sessions.Add(1); n > 1 {
		slog.Error("[BLE] more than one open link", "mac", c.mac, "links", n)
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	conn.OnDisconnect(func() {
		lostOnce.Do(func() { close(lost) })
	})

	var report Characteristic
	defer func() {
		// Keepalive has returned by now; unsubscribe, then drop the link.
		if report != nil {
			if uerr := report.Unsubscribe(); uerr != nil {
				slog.Debug("[BLE] unsubscribe failed", "mac", c.mac, "error", uerr)
			}
		}
		if derr := conn.Disconnect(); derr != nil {
			slog.Debug("[BLE] disconnect failed", "mac", c.mac, "error", derr)
		}
		c.sessions.Add(-1)
	}()

	status, err := conn.DiscoverCharacteristic(StatusCharUUID)
	if err != nil {
		return false, linkErr("discover status characteristic", err)
	}
	command, err := conn.DiscoverCharacteristic(CommandCharUUID)
	if err != nil {
		return false, linkErr("discover command characteristic", err)
	}
	reportChar, err := conn.DiscoverCharacteristic(ReportCharUUID)
	if err != nil {
		return false, linkErr("discover report characteristic", err)
	}

	// The assembler belongs to this session's notification path only.
	asm := &protocol.Assembler{}
	if err := reportChar.Subscribe(func(data []byte) {
		c.handleNotification(asm, data)
	}); err != nil {
		return false, linkErr("subscribe to reports", err)
	}
	report = reportChar

	c.setState(StateConnected)
	c.handler.OnConnected(true)
	slog.Info("[BLE] connected", "mac", c.mac)

	// The firmware only starts reporting after a status read followed by
	// the handshake command. The read value is meaningless.
	if err := c.do(ctx, lost, "read status", func() error {
		_, err := status.Read()
		return err
	}); err != nil {
		return false, err
	}
	handshake := blecrypto.Encrypt(protocol.Handshake)
	if err := c.do(ctx, lost, "write handshake", func() error {
		return command.Write(handshake, false)
	}); err != nil {
		return false, err
	}

	return true, c.keepalive(ctx, lost, status, command)
}

// keepalive polls the status characteristic and drains pending writes until
// the link fails, the active window expires, or ctx ends.
func (c *Client) keepalive(ctx context.Context, lost <-chan struct{}, status, command Characteristic) error {
	for {
		if err := c.do(ctx, lost, "keepalive read", func() error {
			_, err := status.Read()
			return err
		}); err != nil {
			return err
		}

		if p := c.peekPending(); p != nil {
			if c.now().After(p.deadline) {
				slog.Debug("[BLE] dropping stale command", "mac", c.mac, "payload", protocol.Hex(p.payload))
			} else {
				pkt := blecrypto.Encrypt(p.payload)
				if err := c.do(ctx, lost, "write command", func() error {
					return command.Write(pkt, true)
				}); err != nil {
					return err
				}
				slog.Debug("[BLE] command written", "mac", c.mac, "payload", protocol.Hex(p.payload))
			}
			c.clearPending(p)
		}

		if !c.isActive() {
			return errIdle
		}

		timer := time.NewTimer(c.opts.KeepaliveInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-lost:
			timer.Stop()
			return &LinkError{Op: "keepalive", Err: errLinkLost}
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// do runs one characteristic operation with the I/O timeout. A Send during
// the operation does not interrupt it; the wake is picked up afterwards.
//
// On timeout, link loss or cancellation fn is left running. It may still be
// inside a GATT call on the old connection after teardown and the next
// session have started; it ends when the stack's own ATT timeout fires or the
// disconnect fails it, and its result is discarded into the buffered channel.
func (c *Client) do(ctx context.Context, lost <-chan struct{}, op string, fn func() error) error {
	result := make(chan error, 1)
	go func() { result <- fn() }()

	timer := time.NewTimer(c.opts.IOTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return linkErr(op, err)
	case <-timer.C:
		return fmt.Errorf("ble: %s: %w", op, ErrTimeout)
	case <-lost:
		return &LinkError{Op: op, Err: errLinkLost}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) handleNotification(asm *protocol.Assembler, data []byte) {
	chunk, err := blecrypto.Decrypt(data)
	if err != nil {
		slog.Debug("[BLE] dropping notification", "mac", c.mac, "error", err)
		c.setLastError(err)
		return
	}
	if _, err := blecrypto.VerifyChecksum(chunk); err != nil {
		// Reports are decoded by offset, so the chunk is kept either way.
		slog.Debug("[BLE] notification checksum", "mac", c.mac, "error", err)
	}
	frame := asm.Push(chunk)
	if frame == nil {
		return
	}
	slog.Debug("[BLE] frame received", "mac", c.mac, "len", len(frame), "data", protocol.Hex(frame))
	if err := c.handler.HandleFrame(frame); err != nil {
		slog.Debug("[BLE] discarding frame", "mac", c.mac, "error", err)
		c.setLastError(err)
	}
}

func (c *Client) peekPending() *pendingWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// clearPending drops p unless a newer Send has already replaced it.
func (c *Client) clearPending(p *pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == p {
		c.pending = nil
	}
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// setDisconnected records the end of a session and tells the handler if it
// had been told the link was up.
func (c *Client) setDisconnected(err error) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	if err != nil && !errors.Is(err, errIdle) && !errors.Is(err, context.Canceled) {
		c.lastErr = err
	}
	c.mu.Unlock()

	if wasConnected {
		slog.Info("[BLE] disconnected", "mac", c.mac)
		c.handler.OnConnected(false)
	}
}
