package modemhttp

import "errors"

var (
	ErrTimeout       = errors.New("modemhttp: timeout")
	ErrPreCondition  = errors.New("modemhttp: precondition failed")
	ErrConflict      = errors.New("modemhttp: channel busy")
	ErrProtocol      = errors.New("modemhttp: protocol error")
	ErrHTTPStatus    = errors.New("modemhttp: http status outside success range")
	ErrCancelled     = errors.New("modemhttp: page read cancelled")
	ErrHeadersClosed = errors.New("modemhttp: headers section closed")
	ErrBodyTooLarge  = errors.New("modemhttp: body exceeds content-length slot width")
	ErrBadHost       = errors.New("modemhttp: host URL must start with http:// or https://")
)
