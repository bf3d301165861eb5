package modemhttp

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/ltem"
	"dqx0.com/go/ltem/atcmd"
)

// simPort is a duplex in-memory port with a scripted modem on the far end.
type simPort struct {
	rd *io.PipeReader
	mw *io.PipeWriter

	mu   sync.Mutex
	sent bytes.Buffer
}

func newSimPort() *simPort {
	r, w := io.Pipe()
	return &simPort{rd: r, mw: w}
}

func (p *simPort) Read(b []byte) (int, error) { return p.rd.Read(b) }

func (p *simPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent.Write(b)
}

func (p *simPort) Close() error { return p.mw.Close() }

func (p *simPort) commands() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent.String()
}

func (p *simPort) send(s string) { _, _ = p.mw.Write([]byte(s)) }

func (p *simPort) awaitCommand(substr string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(p.commands(), substr) {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

// TestRoundTripGet drives a complete GET through a real command channel
// against a scripted modem: URL submission, trailer, then the streamed
// 11-byte body arriving as a single final block.
func TestRoundTripGet(t *testing.T) {
	p := newSimPort()
	ch := atcmd.New(p)
	ch.Start()
	t.Cleanup(func() { _ = ch.Close() })

	go func() {
		if p.awaitCommand("AT+QHTTPURL=") {
			p.send("\r\nCONNECT\r\n")
		}
		if p.awaitCommand("http://example.com/greeting") {
			p.send("\r\nOK\r\n")
		}
		if p.awaitCommand("AT+QHTTPGET=") {
			p.send("\r\nOK\r\n")
			p.send("\r\n+QHTTPGET: 0,200,11\r\n")
		}
		if p.awaitCommand("AT+QHTTPREAD=") {
			p.send("\r\nCONNECT\r\nhello world\r\nOK\r\n\r\n+QHTTPREAD: 0\r\n")
		}
	}()

	rec := &blockCapture{}
	reg := ltem.NewStreamRegistry()
	x, err := NewExchange(reg, ch, 1, rec.recv, WithTimeout(3*time.Second))
	require.NoError(t, err)
	require.NoError(t, x.SetConnection("http://example.com", 0))

	rc, err := x.Get("/greeting", false)
	require.NoError(t, err)
	assert.Equal(t, ltem.ResultCode(200), rc)
	assert.Equal(t, StateRequestComplete, x.State())
	assert.Equal(t, 11, x.PageSize())

	rc, err = x.ReadPage()
	require.NoError(t, err)
	assert.Equal(t, ltem.ResultSuccess, rc)
	assert.Equal(t, StateIdle, x.State())

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "hello world", string(rec.blocks[0]))
	assert.True(t, rec.finals[0])
	assert.Equal(t, 0, x.PageRemaining())

	// The channel is free again once the page is consumed.
	require.NoError(t, ch.Acquire(time.Second))
	ch.Release()
}
