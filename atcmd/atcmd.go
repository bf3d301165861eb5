// Package atcmd drives the modem's textual command channel: exclusive
// time-bounded command submission, structured reply waiting with pluggable
// completion predicates, and raw data-mode transfers. Protocol layers sit
// on top of it and never touch the serial port directly.
package atcmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"dqx0.com/go/ltem"
	"dqx0.com/go/ltem/bbuf"
	"dqx0.com/go/ltem/internal/obs"
)

var (
	ErrLockTimeout = errors.New("atcmd: lock acquisition timed out")
	ErrBusy        = errors.New("atcmd: channel busy")
	ErrNoLock      = errors.New("atcmd: command invoked without holding lock")
	ErrTimeout     = errors.New("atcmd: await timed out")
	ErrCommand     = errors.New("atcmd: command reported error")
	ErrClosed      = errors.New("atcmd: channel closed")
)

// StreamHandler consumes a streamed data-mode reply directly from the
// receive buffer and returns the transfer's result.
type StreamHandler func() (ltem.ResultCode, error)

// DataMode describes a pending raw-bytes transfer tied to the in-flight
// command. When Prompt appears in the reply the channel transmits TxData
// and/or hands control to Handler.
type DataMode struct {
	Context ltem.DataContext
	Prompt  string
	TxData  []byte
	// Handler, if set, is invoked once Prompt is buffered; the prompt line
	// is left in the receive buffer for it to consume. Its result becomes
	// the command's result.
	Handler StreamHandler
	// ResumeParse keeps the completion predicate running after TxData has
	// been transmitted, for commands whose trailer arrives later. When
	// false the channel awaits the plain OK finale instead.
	ResumeParse bool
}

// Reply is the structured outcome of AwaitResult.
type Reply struct {
	Result  ltem.ResultCode
	Trailer Trailer
	Tail    string // reply text following the matched trailer prefix
	Raw     string // full reply text accumulated for the command
}

// Channel is the exclusive command channel over a byte port (a serial UART
// in production, an in-memory pipe in tests). At most one command may be in
// flight process-wide; holders of the lock submit commands and await their
// structured replies.
type Channel struct {
	Logger obs.Logger
	Meter  obs.Meter

	port io.ReadWriter
	rx   *bbuf.Buffer
	lock chan struct{}

	mu   sync.Mutex
	held bool
	resp []byte
	last Reply
	dm   *DataMode

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Channel.
type Option func(*Channel)

// WithBufferSize sets the receive ring buffer capacity.
func WithBufferSize(n int) Option {
	return func(c *Channel) { c.rx = bbuf.New(n) }
}

func WithLogger(l obs.Logger) Option { return func(c *Channel) { c.Logger = l } }

func WithMeter(m obs.Meter) Option { return func(c *Channel) { c.Meter = m } }

const defaultBufferSize = 4096

// New returns a Channel over port. Call Start to begin ingesting bytes.
func New(port io.ReadWriter, opts ...Option) *Channel {
	c := &Channel{
		Logger: obs.NopLogger{},
		Meter:  obs.NopMeter{},
		port:   port,
		rx:     bbuf.New(defaultBufferSize),
		lock:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start launches the ingress goroutine copying port bytes into the receive
// ring buffer. It returns immediately.
func (c *Channel) Start() { go c.readLoop() }

func (c *Channel) readLoop() {
	buf := make([]byte, 512)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			if _, werr := c.rx.Write(buf[:n]); werr != nil {
				c.Logger.Logf(obs.Warn, "rx overflow, %d bytes dropped", n)
			}
			c.Meter.Counter("atcmd_rx_bytes_total", float64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.Logger.Logf(obs.Debug, "port read stopped: %v", err)
			}
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}
	}
}

// Close stops the channel. The underlying port is closed if it supports it.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if cl, ok := c.port.(io.Closer); ok {
			err = cl.Close()
		}
	})
	return err
}

// RxBuffer exposes the receive ring buffer to stream handlers.
func (c *Channel) RxBuffer() *bbuf.Buffer { return c.rx }

// Acquire takes the exclusive command lock, waiting at most timeout.
// Failure leaves no state behind.
func (c *Channel) Acquire(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.lock <- struct{}{}:
		c.mu.Lock()
		c.held = true
		c.mu.Unlock()
		return nil
	case <-t.C:
		return ErrLockTimeout
	case <-c.closed:
		return ErrClosed
	}
}

// Release returns the lock and clears any armed data mode. Safe to call
// when the lock is not held.
func (c *Channel) Release() {
	c.mu.Lock()
	if !c.held {
		c.mu.Unlock()
		return
	}
	c.held = false
	c.dm = nil
	c.mu.Unlock()
	<-c.lock
}

// Invoke formats and submits a command. The lock must be held; the reply
// state of any previous command is discarded.
func (c *Channel) Invoke(format string, args ...any) error {
	c.mu.Lock()
	if !c.held {
		c.mu.Unlock()
		return ErrNoLock
	}
	c.resp = nil
	c.last = Reply{Result: ltem.ResultUnknown}
	c.mu.Unlock()

	cmd := fmt.Sprintf(format, args...)
	c.Logger.Logf(obs.Debug, "invoke %s", cmd)
	c.Meter.Counter("atcmd_commands_total", 1)
	_, err := c.port.Write(append([]byte(cmd), '\r'))
	return err
}

// TryInvoke acquires the lock without waiting and submits the command,
// returning ErrBusy when another command is in flight. On success the
// caller owns the lock and must Release it.
func (c *Channel) TryInvoke(format string, args ...any) error {
	select {
	case c.lock <- struct{}{}:
	default:
		return ErrBusy
	}
	c.mu.Lock()
	c.held = true
	c.mu.Unlock()
	if err := c.Invoke(format, args...); err != nil {
		c.Release()
		return err
	}
	return nil
}

// SetDataMode arms a one-shot data-mode transfer for the in-flight command.
func (c *Channel) SetDataMode(dm DataMode) {
	c.mu.Lock()
	copied := dm
	c.dm = &copied
	c.mu.Unlock()
}

// Response returns the reply text following the matched trailer prefix of
// the last completed command.
func (c *Channel) Response() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Tail
}

// RawResponse returns the full reply text of the last completed command,
// for diagnostics.
func (c *Channel) RawResponse() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Raw
}

// AwaitResult blocks until done accepts the accumulated reply, an armed
// data-mode transfer completes, or timeout elapses. A nil done awaits the
// plain OK finale. Timeouts are wall-clock from the start of the wait.
func (c *Channel) AwaitResult(timeout time.Duration, done Completion) (Reply, error) {
	if done == nil {
		done = FinalCompletion()
	}
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		dm := c.dm
		c.mu.Unlock()

		if dm != nil && dm.Handler != nil {
			// The prompt line stays in the ring buffer: the stream handler
			// consumes it as part of its own protocol.
			if c.rx.Find([]byte(dm.Prompt)) >= 0 {
				c.clearDataMode()
				res, err := dm.Handler()
				rep := Reply{Result: res}
				c.setLast(rep)
				return rep, err
			}
			// The modem may refuse the command instead of prompting.
			if out, ok := errorFinale(c.rx.Snapshot()); ok {
				c.clearDataMode()
				c.drainResponse()
				return c.rejectDataMode(out), ErrCommand
			}
		} else {
			c.drainResponse()
			if dm != nil {
				if c.consumePrompt(dm.Prompt) {
					c.clearDataMode()
					if len(dm.TxData) > 0 {
						if _, err := c.port.Write(dm.TxData); err != nil {
							rep := Reply{Result: ltem.ResultInternal}
							c.setLast(rep)
							return rep, err
						}
						c.Meter.Counter("atcmd_tx_bytes_total", float64(len(dm.TxData)))
					}
					if !dm.ResumeParse {
						done = FinalCompletion()
					}
					continue
				}
				// No prompt yet: a rejection finale means it never will come.
				if out, ok := errorFinale(c.respSnapshot()); ok {
					c.clearDataMode()
					return c.rejectDataMode(out), ErrCommand
				}
			} else if out := done(c.respSnapshot()); out.Done {
				rep := Reply{
					Result:  ltem.ResultSuccess,
					Trailer: out.Trailer,
					Tail:    out.Tail,
					Raw:     string(c.respSnapshot()),
				}
				var err error
				if out.Trailer.Fields == 1 && out.Trailer.Err < 0 {
					rep.Result = ltem.ResultInternal
					err = ErrCommand
				}
				c.setLast(rep)
				return rep, err
			}
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			rep := Reply{Result: ltem.ResultTimeout}
			c.setLast(rep)
			return rep, ErrTimeout
		}
		t := time.NewTimer(remain)
		select {
		case <-c.rx.Ready():
			t.Stop()
		case <-t.C:
		case <-c.closed:
			t.Stop()
			return Reply{Result: ltem.ResultInternal}, ErrClosed
		}
	}
}

// rejectDataMode records the reply for a data-mode command the modem
// refused before ever prompting.
func (c *Channel) rejectDataMode(out Outcome) Reply {
	rep := Reply{
		Result:  ltem.ResultInternal,
		Trailer: out.Trailer,
		Tail:    out.Tail,
		Raw:     string(c.respSnapshot()),
	}
	c.setLast(rep)
	return rep
}

func (c *Channel) clearDataMode() {
	c.mu.Lock()
	c.dm = nil
	c.mu.Unlock()
}

func (c *Channel) setLast(r Reply) {
	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
}

// drainResponse moves everything buffered into the command reply
// accumulator. Never called while a stream handler owns the buffer.
func (c *Channel) drainResponse() {
	buf := make([]byte, 256)
	for {
		n := c.rx.Pop(buf)
		if n == 0 {
			return
		}
		c.mu.Lock()
		c.resp = append(c.resp, buf[:n]...)
		c.mu.Unlock()
	}
}

// consumePrompt discards accumulated reply text through the data-mode
// prompt and its line break, so it cannot confuse later reply parsing.
func (c *Channel) consumePrompt(prompt string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := bytes.Index(c.resp, []byte(prompt))
	if i < 0 {
		return false
	}
	rest := c.resp[i+len(prompt):]
	rest = bytes.TrimPrefix(rest, []byte("\r\n"))
	c.resp = append([]byte(nil), rest...)
	return true
}

func (c *Channel) respSnapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.resp...)
}
