package errors

import (
	"fmt"
	"runtime"
)

// Guard runs fn and converts a panic into an AdapterCallFailure scoped by b.
// The builder supplies stage, source, type and region context.
func Guard(b *Builder, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		_, file, line, _ := runtime.Caller(2)
		err = b.WithWrapped(fmt.Errorf("panic: %v", r)).
			WithDetails("location", fmt.Sprintf("%s:%d", file, line)).
			Err()
	}()
	return fn()
}

// Scope returns a builder preloaded with stage and source context for
// AdapterCallFailure errors.
func Scope(stage, source string) *Builder {
	return New(KindAdapterCallFailure, "adapter call panicked").WithStage(stage).WithSource(source)
}
