package modemhttp

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/ltem"
	"dqx0.com/go/ltem/atcmd"
)

// blockCapture records delivered blocks; data aliases the ring so every
// block is copied on arrival.
type blockCapture struct {
	mu     sync.Mutex
	blocks [][]byte
	finals []bool
}

func (c *blockCapture) recv(_ ltem.DataContext, data []byte, final bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, append([]byte(nil), data...))
	c.finals = append(c.finals, final)
}

func (c *blockCapture) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, b := range c.blocks {
		sb.Write(b)
	}
	return sb.String()
}

func (c *blockCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

func newStreamExchange(t *testing.T, opts ...Option) (*Exchange, *spyPort, *blockCapture) {
	t.Helper()
	spy := newSpyPort()
	rec := &blockCapture{}
	reg := ltem.NewStreamRegistry()
	x, err := NewExchange(reg, spy, 1, rec.recv, opts...)
	require.NoError(t, err)
	return x, spy, rec
}

// runStream arms cancellation the way ReadPage does and runs the streaming
// loop directly against the spy's ring buffer.
func runStream(x *Exchange) (ltem.ResultCode, error) {
	x.mu.Lock()
	x.cancel = make(chan struct{})
	x.mu.Unlock()
	rc, err := x.receivePage()
	x.mu.Lock()
	x.cancel = nil
	x.mu.Unlock()
	return rc, err
}

const streamPreamble = "\r\nCONNECT\r\n"

func TestStreamSingleFinalBlock(t *testing.T) {
	x, spy, rec := newStreamExchange(t)
	spy.rx.Write([]byte(streamPreamble + "hello world" + endOfData + "+QHTTPREAD: 0\r\n"))

	rc, err := runStream(x)
	require.NoError(t, err)
	assert.Equal(t, ltem.ResultSuccess, rc)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "hello world", string(rec.blocks[0]))
	assert.True(t, rec.finals[0])
}

func TestStreamChunkBounds(t *testing.T) {
	x, spy, rec := newStreamExchange(t)
	body := strings.Repeat("a", 130)
	x.mu.Lock()
	x.pageSize = len(body)
	x.pageRemaining = len(body)
	x.mu.Unlock()
	spy.rx.Write([]byte(streamPreamble + body + endOfData + "+QHTTPREAD: 0\r\n"))

	rc, err := runStream(x)
	require.NoError(t, err)
	assert.Equal(t, ltem.ResultSuccess, rc)

	// 130 bytes against a 64-byte block bound: 64 + 64 + 2.
	require.Equal(t, 3, rec.count())
	for i, b := range rec.blocks {
		assert.LessOrEqual(t, len(b), x.blockSize, "block %d oversize", i)
	}
	assert.Equal(t, body, rec.joined())
	assert.Equal(t, []bool{false, false, true}, rec.finals)
	assert.Equal(t, 0, x.PageRemaining())
}

func TestStreamMarkerStraddlesArrivals(t *testing.T) {
	x, spy, rec := newStreamExchange(t, WithTimeout(2*time.Second))
	spy.rx.Write([]byte(streamPreamble + "hello"))

	type result struct {
		rc  ltem.ResultCode
		err error
	}
	done := make(chan result, 1)
	go func() {
		rc, err := runStream(x)
		done <- result{rc, err}
	}()

	// The marker dribbles in across three writes; no delivered block may
	// contain any of its bytes.
	for _, part := range []string{"\r\nOK", "\r\n\r\n", "+QHTTPREAD: 0\r\n"} {
		time.Sleep(20 * time.Millisecond)
		spy.rx.Write([]byte(part))
	}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, ltem.ResultSuccess, r.rc)
	case <-time.After(3 * time.Second):
		t.Fatal("stream never completed")
	}
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "hello", string(rec.blocks[0]))
	assert.True(t, rec.finals[0])
}

func TestStreamEmptyBody(t *testing.T) {
	x, spy, rec := newStreamExchange(t)
	spy.rx.Write([]byte(streamPreamble + endOfData + "+QHTTPREAD: 0\r\n"))

	rc, err := runStream(x)
	require.NoError(t, err)
	assert.Equal(t, ltem.ResultSuccess, rc)
	// An empty page still produces exactly one, final, delivery.
	require.Equal(t, 1, rec.count())
	assert.Empty(t, rec.blocks[0])
	assert.True(t, rec.finals[0])
}

func TestStreamTrailerError(t *testing.T) {
	x, spy, rec := newStreamExchange(t)
	spy.rx.Write([]byte(streamPreamble + "x" + endOfData + "+QHTTPREAD: 552\r\n"))

	rc, err := runStream(x)
	require.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, ltem.ResultCode(552), rc)
	// The body was still delivered before the trailer condemned the read.
	assert.Equal(t, "x", rec.joined())
}

func TestStreamStallTimesOut(t *testing.T) {
	x, spy, _ := newStreamExchange(t, WithTimeout(120*time.Millisecond))
	spy.rx.Write([]byte(streamPreamble + "abc"))

	rc, err := runStream(x)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ltem.ResultTimeout, rc)
}

func TestStreamMissingPreamble(t *testing.T) {
	x, _, _ := newStreamExchange(t, WithTimeout(120*time.Millisecond))

	rc, err := runStream(x)
	require.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, ltem.ResultInternal, rc)
}

func TestStreamCancel(t *testing.T) {
	x, spy, _ := newStreamExchange(t, WithTimeout(5*time.Second))
	spy.rx.Write([]byte(streamPreamble + "partial"))
	x.mu.Lock()
	x.cancel = make(chan struct{})
	x.mu.Unlock()

	type result struct {
		rc  ltem.ResultCode
		err error
	}
	done := make(chan result, 1)
	go func() {
		rc, err := x.receivePage()
		done <- result{rc, err}
	}()

	time.Sleep(30 * time.Millisecond)
	x.CancelPage()
	x.CancelPage() // idempotent

	select {
	case r := <-done:
		require.ErrorIs(t, r.err, ErrCancelled)
		assert.Equal(t, ltem.ResultCancelled, r.rc)
	case <-time.After(3 * time.Second):
		t.Fatal("cancel never observed")
	}
}

// TestReadPageDrivesStream exercises the full ReadPage wiring: state gate,
// non-blocking channel claim, data-mode arming and the stream handler run.
func TestReadPageDrivesStream(t *testing.T) {
	x, spy, rec := newStreamExchange(t)
	x.setState(StateRequestComplete)
	spy.rx.Write([]byte(streamPreamble + "hello world" + endOfData + "+QHTTPREAD: 0\r\n"))
	// Sentinel reply: the spy runs the armed handler in its place.
	spy.script(atcmd.Reply{Result: ltem.ResultUnknown}, nil)

	rc, err := x.ReadPage()
	require.NoError(t, err)
	assert.Equal(t, ltem.ResultSuccess, rc)
	assert.Equal(t, StateIdle, x.State())
	assert.Equal(t, 1, spy.released)
	require.Len(t, spy.dataModes, 1)
	assert.NotNil(t, spy.dataModes[0].Handler)
	assert.Equal(t, "hello world", rec.joined())

	// The cancel hook is torn down with the read.
	x.mu.Lock()
	assert.Nil(t, x.cancel)
	x.mu.Unlock()
}
