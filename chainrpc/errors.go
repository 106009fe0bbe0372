package chainrpc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorKind classifies an upstream RPC failure so callers can pick a
// recovery: shrink the range, split it, skip it or exclude the block.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTimeout is a deadline expiry on a single attempt.
	KindTimeout
	// KindTooManyResults means the gateway refused the filter because it
	// matches more logs than it will return. It may carry a suggested
	// narrower range.
	KindTooManyResults
	// KindResponseTooLarge means the response body exceeded the
	// gateway's message size cap.
	KindResponseTooLarge
	// KindRangeExceeded means the request spanned more blocks than the
	// gateway permits.
	KindRangeExceeded
	// KindExhausted means every configured endpoint failed after the
	// full retry budget.
	KindExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTooManyResults:
		return "too-many-results"
	case KindResponseTooLarge:
		return "response-too-large"
	case KindRangeExceeded:
		return "range-exceeded"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Error wraps an upstream failure with its classification. When the gateway
// suggested a narrower block range, SuggestedFrom/SuggestedTo carry it and
// HasSuggestion is true.
type Error struct {
	Kind   ErrorKind
	Method string
	Err    error

	HasSuggestion bool
	SuggestedFrom uint64
	SuggestedTo   uint64
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: %s: %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain, returning
// KindUnknown for errors this package did not produce.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// suggestedRangeRe matches gateway hints of the form
// "Try with this block range [0x851a12, 0x851a21]".
var suggestedRangeRe = regexp.MustCompile(`\[0x([0-9a-fA-F]+),\s*0x([0-9a-fA-F]+)\]`)

func classify(method string, err error) *Error {
	out := &Error{Kind: KindUnknown, Method: method, Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		out.Kind = KindTimeout
		return out
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		out.Kind = KindTimeout
	case strings.Contains(msg, "returned more than") || strings.Contains(msg, "more than") && strings.Contains(msg, "results") || strings.Contains(msg, "query returned more"):
		out.Kind = KindTooManyResults
	case strings.Contains(msg, "response too large") || strings.Contains(msg, "response size") || strings.Contains(msg, "max message size") || strings.Contains(msg, "content length too large"):
		out.Kind = KindResponseTooLarge
	case strings.Contains(msg, "block range") || strings.Contains(msg, "range is too") || strings.Contains(msg, "exceed maximum block"):
		out.Kind = KindRangeExceeded
	}
	if out.Kind == KindTooManyResults || out.Kind == KindRangeExceeded {
		if m := suggestedRangeRe.FindStringSubmatch(err.Error()); m != nil {
			from, err1 := strconv.ParseUint(m[1], 16, 64)
			to, err2 := strconv.ParseUint(m[2], 16, 64)
			if err1 == nil && err2 == nil && from <= to {
				out.HasSuggestion = true
				out.SuggestedFrom = from
				out.SuggestedTo = to
			}
		}
	}
	return out
}

// exhausted wraps the last per-endpoint failure once every endpoint has been
// tried without success. Timeout-class failures keep their kind so the
// caller's range policy can shrink and retry instead of skipping.
func exhausted(method string, last *Error) *Error {
	if last == nil {
		return &Error{Kind: KindExhausted, Method: method, Err: errors.New("no endpoint answered")}
	}
	if last.Kind == KindTimeout {
		return last
	}
	return &Error{Kind: KindExhausted, Method: method, Err: last}
}
