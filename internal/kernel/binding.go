package kernel

import "context"

// Binding abstracts a kernel transport. A Binding knows how to establish a
// connection to one kernel instance; the session guard owns the resulting
// Conn for its whole lifetime. Any client satisfying this pair of interfaces
// is substitutable (local process, containerized kernel, test fake).
type Binding interface {
	// Connect starts a kernel and returns a live connection to it.
	// kernelPath may be empty, in which case the binding picks its
	// environment default.
	Connect(ctx context.Context, kernelPath string) (Conn, error)
}

// Conn is a live connection to exactly one kernel instance.
//
// Evaluate blocks until the kernel replies and must only ever be invoked
// from the isolator's worker goroutine; it is not safe for concurrent use.
// Terminate is the one exception: it may be called while an Evaluate is
// still blocked (the worker can be occupied by an abandoned call), and
// implementations must tolerate that by tearing the transport down under
// the blocked call.
type Conn interface {
	// Evaluate runs one expression and returns its kind-tagged result.
	// A kernel-reported failure comes back as a Value whose Failed method
	// returns true; a returned error means the transport itself broke.
	Evaluate(expr string, mode Mode) (Value, error)

	// Terminate shuts the kernel down, forcibly if it does not quit
	// within the binding's grace period.
	Terminate() error
}
