package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizki96/exllm/pkg/types"
)

func namedPlug(name string, trace *[]string) Plug {
	return Func{PlugName: name, Fn: func(req *Request) *Request {
		*trace = append(*trace, name)
		return req
	}}
}

func newReq() *Request {
	return NewRequest(context.Background(), "openai",
		[]types.Message{{Role: types.RoleUser, Content: "hi"}}, nil)
}

func TestPipelineRunsPlugsInOrder(t *testing.T) {
	var trace []string
	p := New(namedPlug("a", &trace), namedPlug("b", &trace), namedPlug("c", &trace))

	req := p.Run(newReq())

	assert.Equal(t, []string{"a", "b", "c"}, trace)
	assert.False(t, req.Halted)
	assert.Equal(t, []string{"a", "b", "c"}, p.Names())
}

func TestPipelineHaltSkipsRemainingPlugs(t *testing.T) {
	var trace []string
	halting := Func{PlugName: "halt", Fn: func(req *Request) *Request {
		return req.HaltWithError("halt", "validation", "nope")
	}}
	p := New(namedPlug("a", &trace), halting, namedPlug("c", &trace))

	req := p.Run(newReq())

	assert.Equal(t, []string{"a"}, trace, "plugs after the halt must not run")
	assert.True(t, req.Halted)
	assert.Equal(t, StateError, req.State)
	require.Len(t, req.Errors, 1)
	assert.Equal(t, "halt", req.Errors[0].Plug)
	assert.Equal(t, "validation", req.Errors[0].Reason)
}

func TestPipelinePanicBecomesException(t *testing.T) {
	var trace []string
	panicking := Func{PlugName: "boom", Fn: func(req *Request) *Request {
		panic("plug bug")
	}}
	p := New(panicking, namedPlug("after", &trace))

	req := p.Run(newReq())

	assert.True(t, req.Halted)
	require.Len(t, req.Errors, 1)
	assert.Equal(t, "exception", req.Errors[0].Reason)
	assert.Contains(t, req.Errors[0].Message, "plug bug")
	assert.Empty(t, trace)
}

func TestPipelineNilReturnBecomesException(t *testing.T) {
	bad := Func{PlugName: "bad", Fn: func(req *Request) *Request { return nil }}
	req := New(bad).Run(newReq())

	assert.True(t, req.Halted)
	require.Len(t, req.Errors, 1)
	assert.Equal(t, "exception", req.Errors[0].Reason)
}

func TestConditionalPlugBranches(t *testing.T) {
	var trace []string
	cond := Conditional{
		PlugName:  "branch",
		Predicate: func(req *Request) bool { return req.Options.Stream },
		Then:      namedPlug("streaming", &trace),
		Else:      namedPlug("sync", &trace),
	}

	req := newReq()
	req.Options.Stream = true
	New(cond).Run(req)
	assert.Equal(t, []string{"streaming"}, trace)

	trace = nil
	New(cond).Run(newReq())
	assert.Equal(t, []string{"sync"}, trace)
}

func TestConditionalNilElse(t *testing.T) {
	cond := Conditional{
		PlugName:  "maybe",
		Predicate: func(req *Request) bool { return false },
		Then:      Func{PlugName: "never", Fn: func(req *Request) *Request { panic("unreachable") }},
	}
	req := New(cond).Run(newReq())
	assert.False(t, req.Halted)
}

func TestMiddlewareAfterRunsOnHalt(t *testing.T) {
	var trace []string
	inner := New(Func{PlugName: "fail", Fn: func(req *Request) *Request {
		return req.HaltWithError("fail", "http", "500")
	}})
	mw := Middleware{
		PlugName: "telemetry",
		Before:   func(req *Request) *Request { trace = append(trace, "before"); return req },
		Inner:    inner,
		After:    func(req *Request) *Request { trace = append(trace, "after"); return req },
	}

	req := New(mw).Run(newReq())

	assert.Equal(t, []string{"before", "after"}, trace, "after hook must close even on halt")
	assert.True(t, req.Halted)
}

func TestStateMonotonic(t *testing.T) {
	req := newReq()
	assert.Equal(t, StatePending, req.State)

	req.SetState(StateExecuting)
	assert.Equal(t, StateExecuting, req.State)

	req.SetState(StateCompleted)
	req.SetState(StateExecuting) // backwards move ignored
	assert.Equal(t, StateCompleted, req.State)
}

func TestHaltFreezesState(t *testing.T) {
	req := newReq()
	req.HaltWithError("p", "validation", "bad")
	req.SetState(StateCompleted)
	assert.Equal(t, StateError, req.State)
}

func TestRequestUniqueIDs(t *testing.T) {
	assert.NotEqual(t, newReq().ID, newReq().ID)
}
