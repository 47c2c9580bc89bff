package solana

import "fmt"

// TransportError reports an I/O failure reaching the data source. It is
// recovered by scheduled retry at the cache layer and never surfaced as a
// crash.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(method string, err error) *TransportError {
	return &TransportError{Method: method, Err: err}
}
