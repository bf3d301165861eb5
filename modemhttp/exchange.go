package modemhttp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"dqx0.com/go/ltem"
	"dqx0.com/go/ltem/atcmd"
	"dqx0.com/go/ltem/bbuf"
	"dqx0.com/go/ltem/internal/obs"
)

// CommandPort is the slice of the command channel this layer consumes.
// *atcmd.Channel satisfies it; tests substitute spies.
type CommandPort interface {
	Acquire(timeout time.Duration) error
	Release()
	Invoke(format string, args ...any) error
	TryInvoke(format string, args ...any) error
	AwaitResult(timeout time.Duration, done atcmd.Completion) (atcmd.Reply, error)
	SetDataMode(dm atcmd.DataMode)
	RxBuffer() *bbuf.Buffer
	Response() string
	RawResponse() string
}

// ReceiveFunc delivers one block of streamed body bytes. data aliases the
// shared receive buffer and is valid only until the call returns; copy
// anything kept. isFinal is true on exactly the block that reaches the
// end-of-body marker.
type ReceiveFunc func(cntxt ltem.DataContext, data []byte, isFinal bool)

// State is the exchange's request lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateAwaitingCompletion
	StateRequestComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateAwaitingCompletion:
		return "awaitingCompletion"
	case StateRequestComplete:
		return "requestComplete"
	}
	return "invalid"
}

// Method trailer prefixes and data-mode markers emitted by the modem.
const (
	getTrailer      = "+QHTTPGET: "
	postTrailer     = "+QHTTPPOST: "
	postFileTrailer = "+QHTTPPOSTFILE: "
	readTrailer     = "+QHTTPREAD: "
	readFileTrailer = "+QHTTPREADFILE: "

	dataPrompt = "CONNECT"
	endOfData  = "\r\nOK\r\n\r\n"
)

const (
	defaultTimeout = 45 * time.Second
	configTimeout  = 10 * time.Second
	urlSetupSec    = 5
	readFileSec    = 45
)

// Exchange is one logical HTTP client endpoint bound 1:1 to a modem data
// context. It is created once and reused across requests; each GET or POST
// resets it to idle before driving the per-request protocol.
type Exchange struct {
	Logger obs.Logger
	Meter  obs.Meter

	registry *ltem.StreamRegistry
	port     CommandPort
	cntxt    ltem.DataContext
	recv     ReceiveFunc

	hostURL string
	useTLS  bool
	timeout time.Duration

	// blockSize bounds each delivered chunk; fixed at construction to a
	// quarter of the receive ring capacity so the producer is never
	// starved while a block is lent out.
	blockSize int

	mu            sync.Mutex
	state         State
	status        ltem.ResultCode
	method        string
	pageSize      int
	pageRemaining int
	cancel        chan struct{}
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithTimeout sets the per-wait timeout used for lock acquisition, command
// completion and body streaming.
func WithTimeout(d time.Duration) Option {
	return func(x *Exchange) { x.timeout = d }
}

func WithLogger(l obs.Logger) Option { return func(x *Exchange) { x.Logger = l } }

func WithMeter(m obs.Meter) Option { return func(x *Exchange) { x.Meter = m } }

// NewExchange binds a data context, a receive callback and control
// defaults, claiming the context's stream slot in the registry. It fails
// with ltem.ErrSlotOccupied when another exchange owns the slot.
func NewExchange(reg *ltem.StreamRegistry, port CommandPort, cntxt ltem.DataContext, recv ReceiveFunc, opts ...Option) (*Exchange, error) {
	if recv == nil {
		return nil, fmt.Errorf("%w: nil receive callback", ErrPreCondition)
	}
	x := &Exchange{
		Logger:    obs.NopLogger{},
		Meter:     obs.NopMeter{},
		registry:  reg,
		port:      port,
		cntxt:     cntxt,
		recv:      recv,
		timeout:   defaultTimeout,
		blockSize: port.RxBuffer().Cap() / 4,
		state:     StateIdle,
		status:    ltem.ResultUnknown,
	}
	for _, o := range opts {
		o(x)
	}
	if err := reg.Register(x); err != nil {
		return nil, err
	}
	return x, nil
}

// Context returns the bound data context, satisfying ltem.Stream.
func (x *Exchange) Context() ltem.DataContext { return x.cntxt }

// Close releases the exchange's registry slot.
func (x *Exchange) Close() {
	x.registry.Unregister(x)
}

// SetConnection sets the host characteristics. TLS is inferred from the
// scheme prefix; a zero port defaults to 443 (https) or 80 (http).
func (x *Exchange) SetConnection(hostURL string, port uint16) error {
	lower := strings.ToLower(hostURL)
	switch {
	case strings.HasPrefix(lower, "https"):
		x.useTLS = true
	case strings.HasPrefix(lower, "http"):
		x.useTLS = false
	default:
		return ErrBadHost
	}
	if port == 0 {
		if x.useTLS {
			port = 443
		} else {
			port = 80
		}
	}
	// The modem resolves the port from the URL itself unless it carries an
	// explicit :port, so only non-default ports are appended.
	if (x.useTLS && port != 443) || (!x.useTLS && port != 80) {
		hostURL = fmt.Sprintf("%s:%d", hostURL, port)
	}
	x.hostURL = hostURL
	return nil
}

// Status returns the last HTTP status or failure code recorded.
func (x *Exchange) Status() ltem.ResultCode {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// State returns the current lifecycle state.
func (x *Exchange) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// PageSize returns the content length declared by the completed request, 0
// when none was declared.
func (x *Exchange) PageSize() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pageSize
}

// PageRemaining returns the declared bytes not yet delivered, for callers
// showing progress. Delivery terminates on the end-of-data marker, not on
// this reaching zero.
func (x *Exchange) PageRemaining() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pageRemaining
}

// Method returns the verb of the most recently issued request.
func (x *Exchange) Method() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.method
}

// Get performs an HTTP GET with the modem's default headers.
func (x *Exchange) Get(relativeURL string, withHeaders bool) (ltem.ResultCode, error) {
	return x.perform("GET", relativeURL, nil, nil, withHeaders)
}

// GetCustom performs a GET using a caller-composed request.
func (x *Exchange) GetCustom(relativeURL string, req *Request, withHeaders bool) (ltem.ResultCode, error) {
	return x.perform("GET", relativeURL, nil, req, withHeaders)
}

// Post performs an HTTP POST with an inline body and default headers.
func (x *Exchange) Post(relativeURL string, body []byte, withHeaders bool) (ltem.ResultCode, error) {
	return x.perform("POST", relativeURL, body, nil, withHeaders)
}

// PostCustom performs a POST using a caller-composed request; the request's
// content-length slot is rewritten with the final body length before
// submission.
func (x *Exchange) PostCustom(relativeURL string, req *Request, withHeaders bool) (ltem.ResultCode, error) {
	return x.perform("POST", relativeURL, nil, req, withHeaders)
}

// PostFile POSTs the contents of a file already present on the modem's
// filesystem.
func (x *Exchange) PostFile(relativeURL, filename string, withHeaders bool) (ltem.ResultCode, error) {
	return x.performFile(relativeURL, filename, withHeaders)
}

// perform drives the shared per-request protocol: reset, timed lock
// acquisition, optional configuration, URL submission, method invocation,
// trailer wait, status extraction. The channel lock is released on every
// exit path.
func (x *Exchange) perform(method, relativeURL string, body []byte, custom *Request, withHeaders bool) (ltem.ResultCode, error) {
	x.reset(method)

	if err := x.port.Acquire(x.timeout); err != nil {
		// Nothing was touched; state and status remain as set at entry.
		return ltem.ResultTimeout, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	defer x.port.Release()
	x.setState(StateConfiguring)
	started := time.Now()

	if rc, err := x.configure(withHeaders); err != nil {
		return x.fail(rc, err)
	}
	if rc, err := x.submitURL(relativeURL); err != nil {
		return x.fail(rc, err)
	}

	var prefix string
	timeoutSec := int(x.timeout / time.Second)
	switch method {
	case "GET":
		prefix = getTrailer
		if custom != nil {
			if rc, err := x.config(`AT+QHTTPCFG="requestheader",1`); err != nil {
				return x.fail(rc, err)
			}
			raw, err := custom.Finalize()
			if err != nil {
				return x.fail(ltem.ResultPreCondition, err)
			}
			x.port.SetDataMode(atcmd.DataMode{Context: x.cntxt, Prompt: dataPrompt, TxData: raw, ResumeParse: true})
			if err := x.port.Invoke("AT+QHTTPGET=%d,%d", timeoutSec, len(raw)); err != nil {
				return x.fail(ltem.ResultInternal, err)
			}
		} else {
			if err := x.port.Invoke("AT+QHTTPGET=%d", timeoutSec); err != nil {
				return x.fail(ltem.ResultInternal, err)
			}
		}
	case "POST":
		prefix = postTrailer
		if custom != nil {
			if rc, err := x.config(`AT+QHTTPCFG="requestheader",1`); err != nil {
				return x.fail(rc, err)
			}
			raw, err := custom.Finalize()
			if err != nil {
				return x.fail(ltem.ResultPreCondition, err)
			}
			x.port.SetDataMode(atcmd.DataMode{Context: x.cntxt, Prompt: dataPrompt, TxData: raw, ResumeParse: true})
			if err := x.port.Invoke("AT+QHTTPPOST=%d,5,%d", len(raw), timeoutSec); err != nil {
				return x.fail(ltem.ResultInternal, err)
			}
		} else {
			x.port.SetDataMode(atcmd.DataMode{Context: x.cntxt, Prompt: dataPrompt, TxData: body, ResumeParse: true})
			if err := x.port.Invoke("AT+QHTTPPOST=%d,5,%d", len(body), timeoutSec); err != nil {
				return x.fail(ltem.ResultInternal, err)
			}
		}
	}

	rc, err := x.await(prefix)
	x.Meter.Histogram("modemhttp_exchange_seconds", time.Since(started).Seconds(),
		obs.Label{Key: "method", Value: method})
	return rc, err
}

// performFile is the POST-from-file shape: no body transfer, the modem
// reads the named file from its own filesystem.
func (x *Exchange) performFile(relativeURL, filename string, withHeaders bool) (ltem.ResultCode, error) {
	x.reset("POST")

	if err := x.port.Acquire(x.timeout); err != nil {
		return ltem.ResultTimeout, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	defer x.port.Release()
	x.setState(StateConfiguring)

	if rc, err := x.configure(withHeaders); err != nil {
		return x.fail(rc, err)
	}
	if rc, err := x.submitURL(relativeURL); err != nil {
		return x.fail(rc, err)
	}
	if rc, err := x.config(`AT+QHTTPCFG="requestheader",1`); err != nil {
		return x.fail(rc, err)
	}
	if err := x.port.Invoke(`AT+QHTTPPOSTFILE="%s",%d`, filename, 15); err != nil {
		return x.fail(ltem.ResultInternal, err)
	}
	return x.await(postFileTrailer)
}

// configure runs the optional response-header echo and TLS context steps.
func (x *Exchange) configure(withHeaders bool) (ltem.ResultCode, error) {
	if withHeaders {
		if rc, err := x.config(`AT+QHTTPCFG="responseheader",1`); err != nil {
			return rc, err
		}
	}
	if x.useTLS {
		if rc, err := x.config(`AT+QHTTPCFG="sslctxid",%d`, int(x.cntxt)); err != nil {
			return rc, err
		}
	}
	return ltem.ResultSuccess, nil
}

// config submits one configuration command and awaits its OK finale.
func (x *Exchange) config(format string, args ...any) (ltem.ResultCode, error) {
	if err := x.port.Invoke(format, args...); err != nil {
		return ltem.ResultInternal, err
	}
	reply, err := x.port.AwaitResult(configTimeout, nil)
	if err != nil {
		return reply.Result, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return reply.Result, nil
}

// submitURL transfers the full target URL through a raw data-mode exchange:
// the modem prompts, accepts the URL text, and returns to command mode.
func (x *Exchange) submitURL(relativeURL string) (ltem.ResultCode, error) {
	url := x.hostURL + relativeURL
	x.Logger.Logf(obs.Debug, "URL(%d)=%s", len(url), url)
	x.port.SetDataMode(atcmd.DataMode{Context: x.cntxt, Prompt: dataPrompt, TxData: []byte(url)})
	if err := x.port.Invoke("AT+QHTTPURL=%d,%d", len(url), urlSetupSec); err != nil {
		return ltem.ResultInternal, err
	}
	reply, err := x.port.AwaitResult(x.timeout, nil)
	if err != nil {
		return reply.Result, fmt.Errorf("%w: set URL: %v", ErrProtocol, err)
	}
	return reply.Result, nil
}

// await blocks on the method's status trailer, then derives the exchange's
// terminal state from it.
func (x *Exchange) await(prefix string) (ltem.ResultCode, error) {
	x.setState(StateAwaitingCompletion)
	reply, err := x.port.AwaitResult(x.timeout, atcmd.TrailerCompletion(prefix))
	if err != nil {
		if errors.Is(err, atcmd.ErrTimeout) {
			return x.fail(ltem.ResultTimeout, fmt.Errorf("%w: awaiting %s", ErrTimeout, strings.TrimSuffix(prefix, ": ")))
		}
		return x.fail(ltem.ResultInternal, err)
	}
	if reply.Trailer.Err != 0 {
		// The engine rejected the request; its error code is recorded as
		// the raw status.
		return x.fail(ltem.ResultCode(reply.Trailer.Err),
			fmt.Errorf("%w: %s%d", ErrProtocol, prefix, reply.Trailer.Err))
	}

	status := x.applyStatus(reply.Tail)
	if status.IsSuccess() {
		x.setState(StateRequestComplete)
		x.Logger.Logf(obs.Debug, "%s cntxt=%d status=%d", x.Method(), x.cntxt, status)
		return status, nil
	}
	x.setState(StateIdle)
	if status == ltem.ResultPreCondition {
		return status, fmt.Errorf("%w: malformed status reply %q", ErrPreCondition, reply.Tail)
	}
	return status, fmt.Errorf("%w: %d", ErrHTTPStatus, status)
}

// applyStatus extracts the HTTP status and declared content length from the
// trailer tail ("<err>,<status>[,<length>]") and seeds the page accounting.
// A tail without the separator records the precondition sentinel.
func (x *Exchange) applyStatus(tail string) ltem.ResultCode {
	x.mu.Lock()
	defer x.mu.Unlock()
	i := strings.IndexByte(tail, ',')
	if i < 0 {
		x.status = ltem.ResultPreCondition
		return x.status
	}
	fields := strings.SplitN(tail[i+1:], ",", 2)
	status, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		x.status = ltem.ResultPreCondition
		return x.status
	}
	x.status = ltem.ResultCode(status)
	x.pageSize = 0
	if len(fields) == 2 {
		if n, err := strconv.Atoi(strings.TrimSpace(fields[1])); err == nil {
			x.pageSize = n
		}
	}
	x.pageRemaining = 0
	if x.pageSize > 0 {
		x.pageRemaining = x.pageSize
	}
	return x.status
}

func (x *Exchange) reset(method string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.state = StateIdle
	x.status = ltem.ResultUnknown
	x.method = method
}

func (x *Exchange) setState(s State) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.state = s
}

// fail records the failing code, drops back to idle, and hands the caller
// the code and its error. The deferred Release in the caller frees the
// channel.
func (x *Exchange) fail(rc ltem.ResultCode, err error) (ltem.ResultCode, error) {
	x.mu.Lock()
	x.state = StateIdle
	x.status = rc
	x.mu.Unlock()
	x.Logger.Logf(obs.Warn, "request failed cntxt=%d rc=%d: %v", x.cntxt, rc, err)
	return rc, err
}
