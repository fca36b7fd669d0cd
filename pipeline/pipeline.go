package pipeline

import (
	"fmt"
)

// Plug is one named unit of pipeline work. Call mutates and returns the
// request; it must not panic across the boundary (the runtime catches panics
// and converts them to halt-with-error, but relying on that is a bug).
type Plug interface {
	Name() string
	Call(req *Request) *Request
}

// Func adapts a function to the Plug interface.
type Func struct {
	PlugName string
	Fn       func(req *Request) *Request
}

func (f Func) Name() string               { return f.PlugName }
func (f Func) Call(req *Request) *Request { return f.Fn(req) }

// Pipeline is an ordered list of plugs. It is pure data: building and
// running are separate so chains can be inspected and substituted in tests.
type Pipeline struct {
	plugs []Plug
}

// New builds a pipeline from plugs.
func New(plugs ...Plug) *Pipeline {
	return &Pipeline{plugs: plugs}
}

// Append returns a pipeline with extra plugs at the end.
func (p *Pipeline) Append(plugs ...Plug) *Pipeline {
	out := make([]Plug, 0, len(p.plugs)+len(plugs))
	out = append(out, p.plugs...)
	out = append(out, plugs...)
	return &Pipeline{plugs: out}
}

// Names lists the plug names in order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.plugs))
	for i, plug := range p.plugs {
		names[i] = plug.Name()
	}
	return names
}

// Run traverses the pipeline. Halted requests skip the remaining plugs. A
// panicking plug is translated to halt-with-error with reason "exception".
func (p *Pipeline) Run(req *Request) *Request {
	for _, plug := range p.plugs {
		if req.Halted {
			break
		}
		req = safeCall(plug, req)
	}
	return req
}

func safeCall(plug Plug, req *Request) (out *Request) {
	defer func() {
		if r := recover(); r != nil {
			out = req.HaltWithError(plug.Name(), "exception", fmt.Sprint(r))
		}
	}()
	out = plug.Call(req)
	if out == nil {
		// A plug dropping the request is a programming error.
		out = req.HaltWithError(plug.Name(), "exception", "plug returned nil request")
	}
	return out
}

// Conditional runs Then when the predicate holds, otherwise Else (which may
// be nil). The predicate is evaluated at run time, so streaming branches are
// chosen per request.
type Conditional struct {
	PlugName  string
	Predicate func(req *Request) bool
	Then      Plug
	Else      Plug
}

func (c Conditional) Name() string { return c.PlugName }

func (c Conditional) Call(req *Request) *Request {
	if c.Predicate(req) {
		return safeCall(c.Then, req)
	}
	if c.Else != nil {
		return safeCall(c.Else, req)
	}
	return req
}

// Middleware wraps an inner pipeline with before/after hooks. After runs
// even when the inner pipeline halts, so spans always close.
type Middleware struct {
	PlugName string
	Before   func(req *Request) *Request
	Inner    *Pipeline
	After    func(req *Request) *Request
}

func (m Middleware) Name() string { return m.PlugName }

func (m Middleware) Call(req *Request) *Request {
	if m.Before != nil {
		req = m.Before(req)
	}
	if m.Inner != nil {
		req = m.Inner.Run(req)
	}
	if m.After != nil {
		req = m.After(req)
	}
	return req
}
