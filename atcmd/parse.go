package atcmd

import (
	"bytes"
	"strconv"
	"strings"
)

// Trailer is the parsed form of a command status trailer:
//
//	<prefix><err>[,<status>[,<length>]]
//
// terminated by a line break. Fields holds how many of the comma separated
// integers were present, so an absent status or length is distinguishable
// from a literal zero.
type Trailer struct {
	Err    int
	Status int
	Length int
	Fields int
}

// HasStatus reports whether the trailer carried an HTTP status field.
func (t Trailer) HasStatus() bool { return t.Fields >= 2 }

// HasLength reports whether the trailer carried a content length field.
func (t Trailer) HasLength() bool { return t.Fields >= 3 }

// ParseTrailer locates prefix in raw and parses the trailer fields on its
// line. ok is false while the prefix or its line terminator has not been
// received yet; callers keep accumulating and retry.
func ParseTrailer(raw []byte, prefix string) (t Trailer, ok bool) {
	i := bytes.Index(raw, []byte(prefix))
	if i < 0 {
		return Trailer{}, false
	}
	rest := raw[i+len(prefix):]
	end := bytes.Index(rest, []byte("\r\n"))
	if end < 0 {
		return Trailer{}, false
	}
	return parseTrailerFields(string(rest[:end]))
}

func parseTrailerFields(line string) (Trailer, bool) {
	var t Trailer
	fields := strings.Split(strings.TrimSpace(line), ",")
	for n, f := range fields {
		if n >= 3 {
			break
		}
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			break
		}
		switch n {
		case 0:
			t.Err = v
		case 1:
			t.Status = v
		case 2:
			t.Length = v
		}
		t.Fields = n + 1
	}
	if t.Fields == 0 {
		return Trailer{}, false
	}
	return t, true
}

// Outcome is the result of applying a Completion predicate to the reply
// text accumulated so far.
type Outcome struct {
	Trailer Trailer
	Tail    string // reply text following the matched prefix, through end of the trailer line
	Done    bool
}

// Completion inspects the accumulated reply and reports whether the command
// has produced its terminal line. Predicates are pure: they never block and
// may be called repeatedly as bytes arrive.
type Completion func(resp []byte) Outcome

// TrailerCompletion returns a Completion matching a status trailer with the
// given literal prefix, e.g. "+QHTTPGET: ". One parametrized predicate
// serves every command shape.
func TrailerCompletion(prefix string) Completion {
	return func(resp []byte) Outcome {
		i := bytes.Index(resp, []byte(prefix))
		if i < 0 {
			return Outcome{}
		}
		rest := resp[i+len(prefix):]
		end := bytes.Index(rest, []byte("\r\n"))
		if end < 0 {
			return Outcome{}
		}
		t, ok := parseTrailerFields(string(rest[:end]))
		if !ok {
			return Outcome{}
		}
		return Outcome{Trailer: t, Tail: string(rest[:end]), Done: true}
	}
}

// FinalCompletion returns a Completion matching the bare OK / ERROR /
// +CME ERROR finales used by commands without a dedicated trailer. An
// ERROR finale reports Err -1; a CME error carries the modem's code.
func FinalCompletion() Completion {
	return func(resp []byte) Outcome {
		if out, ok := errorFinale(resp); ok {
			return out
		}
		if bytes.Contains(resp, []byte("\r\nOK\r\n")) || bytes.HasPrefix(resp, []byte("OK\r\n")) {
			return Outcome{Done: true}
		}
		return Outcome{}
	}
}

// errorFinale matches only the rejection finales (ERROR, +CME ERROR), for
// waits that must notice a refusal while expecting something else, such as
// a data-mode prompt that never arrives.
func errorFinale(resp []byte) (Outcome, bool) {
	if i := bytes.Index(resp, []byte("+CME ERROR: ")); i >= 0 {
		rest := resp[i+len("+CME ERROR: "):]
		end := bytes.Index(rest, []byte("\r\n"))
		if end < 0 {
			return Outcome{}, false
		}
		code, err := strconv.Atoi(strings.TrimSpace(string(rest[:end])))
		if err != nil {
			code = -1
		}
		return Outcome{Trailer: Trailer{Err: code, Fields: 1}, Tail: string(rest[:end]), Done: true}, true
	}
	if bytes.Contains(resp, []byte("\r\nERROR\r\n")) {
		return Outcome{Trailer: Trailer{Err: -1, Fields: 1}, Done: true}, true
	}
	return Outcome{}, false
}
