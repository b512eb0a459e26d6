package safe

import (
	"fmt"
	"reflect"

	"PPRelay/logger"
	"PPRelay/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required dependencies during construction.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Go starts a goroutine that recovers from panic,
// so that one broken connection never crashes the process.
func Go(name string, f func()) {
	go Run(name, f)
}

// Run calls f and converts a panic into a logged error.
func Run(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("panic recovered",
				zap.String("goroutine", name),
				zap.Error(errs.ErrPanic(r)),
			)
		}
	}()
	f()
}
