package fake

import "sync"

// Call is one recorded method invocation with the arguments it received.
type Call struct {
	Method string
	Args   []any
}

// CallRecorder collects the calls a fake adapter receives so tests can
// assert on interaction order and arguments. Every fake in this package
// embeds one.
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *CallRecorder) record(method string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
	r.mu.Unlock()
}

// Calls returns the calls recorded for method, or every call when method
// is empty.
func (r *CallRecorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	if method == "" {
		out := make([]Call, len(r.calls))
		copy(out, r.calls)
		return out
	}

	var out []Call
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *CallRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
