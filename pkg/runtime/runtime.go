// Package runtime provides shared panic-recovery helpers used by the
// goroutines the agent spawns off its own stack (detached action commands,
// transfer runs, the dispatcher goroutine). HandleCrash logs a panic through
// its handlers and then re-raises it unless ReallyCrash is false, so by
// default a panic still ends the process.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
)

// ReallyCrash controls whether HandleCrash re-panics after running its
// handlers. Tests flip this off to assert handler invocation without
// tearing down the test binary.
var ReallyCrash = true

// PanicHandler reacts to a recovered panic value.
type PanicHandler func(r interface{})

// ContextPanicHandler reacts to a recovered panic value with the context
// active at the point of recovery.
type ContextPanicHandler func(ctx context.Context, r interface{})

// HandleCrash recovers from a panic in the calling goroutine, running
// handlers (or a default stderr logger if none given) before re-raising the
// panic unless ReallyCrash has been set false.
func HandleCrash(handlers ...PanicHandler) {
	r := recover()
	if r == nil {
		return
	}
	for _, h := range handlers {
		h(r)
	}
	if len(handlers) == 0 {
		logPanic(r)
	}
	if ReallyCrash {
		panic(r)
	}
}

// HandleCrashWithContext is HandleCrash with a context threaded to each handler.
func HandleCrashWithContext(ctx context.Context, handlers ...ContextPanicHandler) {
	r := recover()
	if r == nil {
		return
	}
	for _, h := range handlers {
		h(ctx, r)
	}
	if len(handlers) == 0 {
		logPanic(r)
	}
	if ReallyCrash {
		panic(r)
	}
}

func logPanic(r interface{}) {
	fmt.Printf("observed a panic: %v\n%s\n", r, debug.Stack())
}

// RecoverFromPanic turns a panic into an error assigned through errp,
// prefixed with the recovered value and a stack trace. Intended to be
// deferred in functions that must convert a panic into a normal error
// return rather than crash the process.
func RecoverFromPanic(errp *error) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("recovered from panic: %v\n%s", r, debug.Stack())
	}
}

// Must returns val if err is nil, otherwise panics with err. Used at
// startup for invariants that can only fail due to a programming error.
func Must[T any](val T, err error) T {
	if err != nil {
		panic(err)
	}
	return val
}
