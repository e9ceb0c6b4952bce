// Package xenapi is the boundary to the hypervisor control API. The engine
// consumes the Session interface; Client is the default JSON-RPC
// implementation speaking to a xapi endpoint.
package xenapi

import "context"

// TaskRef is an opaque handle for an asynchronous control-API task.
type TaskRef string

// Session is the control-API facade. All remote state mutation in this
// module goes through it: synchronous calls, asynchronous calls resolved
// by WaitForTask, and out-of-process plugin invocations.
type Session interface {
	// Call performs a synchronous call, e.g. Call(ctx, "VBD.plug", ref).
	Call(ctx context.Context, method string, args ...any) (any, error)

	// CallAsync starts method asynchronously and returns its task handle.
	CallAsync(ctx context.Context, method string, args ...any) (TaskRef, error)

	// CallPlugin invokes fn from the named host plugin asynchronously.
	CallPlugin(ctx context.Context, plugin, fn string, args map[string]string) (TaskRef, error)

	// WaitForTask blocks until the task completes and returns its result,
	// or a *Failure if the remote side reports one.
	WaitForTask(ctx context.Context, task TaskRef) (string, error)

	// ThisHost returns the ref of the host the session is bound to.
	ThisHost(ctx context.Context) (string, error)
}
