package modemhttp

import (
	"errors"
	"fmt"
	"time"

	"dqx0.com/go/ltem"
	"dqx0.com/go/ltem/atcmd"
	"dqx0.com/go/ltem/bbuf"
	"dqx0.com/go/ltem/internal/obs"
)

// receiverPoll bounds how long the streaming loop sleeps between buffer
// checks when no arrival signal fires.
const receiverPoll = 50 * time.Millisecond

// ReadPage retrieves the response body of a completed request, delivering
// it to the registered callback in bounded chunks. It is valid only in the
// requestComplete state; anywhere else it fails fast without touching the
// transport. A busy channel reports conflict. The exchange returns to idle
// once the page has been consumed.
func (x *Exchange) ReadPage() (ltem.ResultCode, error) {
	x.mu.Lock()
	if x.state != StateRequestComplete {
		x.mu.Unlock()
		return ltem.ResultPreCondition, ErrPreCondition
	}
	x.mu.Unlock()

	if err := x.port.TryInvoke("AT+QHTTPREAD=%d", int(x.timeout/time.Second)); err != nil {
		if errors.Is(err, atcmd.ErrBusy) {
			return ltem.ResultConflict, ErrConflict
		}
		return ltem.ResultInternal, err
	}
	defer x.port.Release()

	x.mu.Lock()
	x.cancel = make(chan struct{})
	x.mu.Unlock()

	x.port.SetDataMode(atcmd.DataMode{Context: x.cntxt, Prompt: dataPrompt, Handler: x.receivePage})
	reply, err := x.port.AwaitResult(x.timeout, nil)

	x.mu.Lock()
	x.cancel = nil
	x.state = StateIdle
	x.mu.Unlock()

	if err != nil {
		if errors.Is(err, atcmd.ErrTimeout) {
			return ltem.ResultTimeout, fmt.Errorf("%w: awaiting page stream", ErrTimeout)
		}
		return reply.Result, err
	}
	return reply.Result, nil
}

// ReadPageToFile stores the response body on the modem's filesystem instead
// of streaming it to the application. Success or failure only; the file
// never crosses the channel.
func (x *Exchange) ReadPageToFile(filename string) (ltem.ResultCode, error) {
	x.mu.Lock()
	if x.state != StateRequestComplete {
		x.mu.Unlock()
		return ltem.ResultPreCondition, ErrPreCondition
	}
	x.mu.Unlock()

	if err := x.port.TryInvoke(`AT+QHTTPREADFILE="%s",%d`, filename, 15); err != nil {
		if errors.Is(err, atcmd.ErrBusy) {
			return ltem.ResultConflict, ErrConflict
		}
		return ltem.ResultInternal, err
	}
	defer x.port.Release()

	reply, err := x.port.AwaitResult(readFileSec*time.Second, atcmd.TrailerCompletion(readFileTrailer))
	x.setState(StateIdle)
	if err != nil {
		if errors.Is(err, atcmd.ErrTimeout) {
			return ltem.ResultTimeout, fmt.Errorf("%w: awaiting %s", ErrTimeout, "+QHTTPREADFILE")
		}
		return reply.Result, err
	}
	if reply.Trailer.Err != 0 {
		return ltem.ResultInternal, fmt.Errorf("%w: read-to-file error %d", ErrProtocol, reply.Trailer.Err)
	}
	return ltem.ResultSuccess, nil
}

// CancelPage signals an in-flight ReadPage to abandon the stream. The loop
// observes the signal, the channel is released and the exchange settles in
// idle. A no-op when no read is in flight.
func (x *Exchange) CancelPage() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancel == nil {
		return
	}
	select {
	case <-x.cancel:
	default:
		close(x.cancel)
	}
}

// receivePage is the streaming loop draining the receive ring buffer to the
// application callback. It terminates exactly when the end-of-data marker's
// trailer has been parsed, the read timeout elapses, or cancellation fires.
// Iteration count is unbounded; only those three exits exist.
func (x *Exchange) receivePage() (ltem.ResultCode, error) {
	rx := x.port.RxBuffer()
	x.mu.Lock()
	cancel := x.cancel
	x.mu.Unlock()
	start := time.Now()
	x.Logger.Logf(obs.Debug, "page stream started cntxt=%d", x.cntxt)

	if rc, err := x.consumePreamble(rx, start, cancel); err != nil {
		return rc, err
	}

	marker := []byte(endOfData)
	scratch := make([]byte, 0, 64)
	popBuf := make([]byte, 64)
	finalSent := false

	for {
		select {
		case <-cancel:
			x.Logger.Logf(obs.Info, "page stream cancelled cntxt=%d", x.cntxt)
			return ltem.ResultCancelled, ErrCancelled
		default:
		}

		progressed := false
		if !finalSent {
			// The marker search covers the entire buffered content each
			// iteration, so a marker straddling two arrivals is still seen,
			// and no delivered block may extend past the marker start.
			markerIdx := rx.Find(marker)
			want := x.blockSize
			if markerIdx >= 0 && markerIdx < want {
				want = markerIdx
			}
			switch {
			case markerIdx == 0:
				// Empty remainder: the final-flag contract still requires
				// exactly one final delivery.
				x.deliver(nil, true)
				finalSent = true
				progressed = true
			case want > 0 && rx.Len() >= want:
				block := rx.PopBlock(want)
				final := markerIdx >= 0 && len(block) == markerIdx
				x.deliver(block, final)
				rx.Commit()
				if final {
					finalSent = true
				}
				progressed = true
			}
		} else {
			// Marker consumed; reassemble the trailer line in the scratch
			// buffer until its line terminator arrives.
			if n := rx.Pop(popBuf); n > 0 {
				scratch = append(scratch, popBuf[:n]...)
				progressed = true
			}
			if t, ok := atcmd.ParseTrailer(scratch, readTrailer); ok {
				if t.Err == 0 {
					return ltem.ResultSuccess, nil
				}
				return ltem.ResultCode(t.Err), fmt.Errorf("%w: page read error %d", ErrProtocol, t.Err)
			}
		}
		if progressed {
			continue
		}

		if time.Since(start) > x.timeout {
			return ltem.ResultTimeout, fmt.Errorf("%w: page stream stalled", ErrTimeout)
		}
		x.waitArrival(rx, cancel)
	}
}

// consumePreamble discards the data-mode announcement line ("CONNECT" and
// its terminator) ahead of the payload.
func (x *Exchange) consumePreamble(rx *bbuf.Buffer, start time.Time, cancel chan struct{}) (ltem.ResultCode, error) {
	prompt := []byte(dataPrompt)
	for {
		if idx := rx.Find(prompt); idx >= 0 {
			skip := make([]byte, idx+len(prompt))
			rx.Pop(skip)
			break
		}
		if time.Since(start) > x.timeout {
			return ltem.ResultInternal, fmt.Errorf("%w: missing data-mode preamble", ErrProtocol)
		}
		x.waitArrival(rx, cancel)
	}
	for {
		if idx := rx.Find([]byte("\r\n")); idx >= 0 {
			skip := make([]byte, idx+2)
			rx.Pop(skip)
			return ltem.ResultSuccess, nil
		}
		if time.Since(start) > x.timeout {
			return ltem.ResultInternal, fmt.Errorf("%w: unterminated data-mode preamble", ErrProtocol)
		}
		x.waitArrival(rx, cancel)
	}
}

// deliver hands one block to the application callback. The slice borrows
// the ring buffer region and is invalidated the instant the call returns.
func (x *Exchange) deliver(block []byte, final bool) {
	x.recv(x.cntxt, block, final)
	x.mu.Lock()
	if x.pageRemaining > len(block) {
		x.pageRemaining -= len(block)
	} else {
		x.pageRemaining = 0
	}
	x.mu.Unlock()
	x.Meter.Counter("modemhttp_blocks_total", 1)
	x.Meter.Counter("modemhttp_body_bytes_total", float64(len(block)))
}

func (x *Exchange) waitArrival(rx *bbuf.Buffer, cancel chan struct{}) {
	t := time.NewTimer(receiverPoll)
	defer t.Stop()
	select {
	case <-rx.Ready():
	case <-cancel:
	case <-t.C:
	}
}
