// Package inspector evaluates billing health checks and reports a uniform verdict.
package inspector

import (
	"context"

	"github.com/yairfalse/tarkka/types"
)

// Status is the verdict of an inspection. It is independent of whether the
// inspection itself succeeded.
type Status string

const (
	StatusNormal    Status = "normal"
	StatusException Status = "exception"
)

// Result is what every inspector returns. Treat it as immutable.
type Result struct {
	Status  Status
	Success bool
	Message string
	Data    []types.ResourceRecord
}

// Normal builds a successful, healthy result.
func Normal(message string, data ...types.ResourceRecord) Result {
	return Result{Status: StatusNormal, Success: true, Message: message, Data: data}
}

// Exception builds a successful result that needs attention.
func Exception(message string, data ...types.ResourceRecord) Result {
	return Result{Status: StatusException, Success: true, Message: message, Data: data}
}

// Failed builds a result for an inspection that could not complete.
func Failed(message string) Result {
	return Result{Status: StatusNormal, Success: false, Message: message}
}

// NeedsMention reports whether a notification of this result should page someone.
func (r Result) NeedsMention() bool {
	return r.Status == StatusException
}

// Inspector runs one check. Implementations never return errors; failures
// are reported through Result.Success.
type Inspector interface {
	Run(ctx context.Context) Result
}

// Func adapts a function to Inspector.
type Func func(ctx context.Context) Result

// Run calls f.
func (f Func) Run(ctx context.Context) Result {
	return f(ctx)
}
