package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/ashita-ai/spanledger/internal/model"
)

// CUEExecutor runs function bodies written in CUE. Evaluation is hermetic:
// a CUE program can read the event it is given and nothing else.
//
// The program sees the bootstrap event at "event". Its result is the value
// at "output". Any spans listed at "spans" are appended through the context,
// with "who" defaulting to the context actor. Every field of event the
// program reads must be declared, or it fails to compile.
//
//	event: name: string
//	output: greeting: "hello \(event.name)"
//	spans: [{entity_type: "note", this: "greeting", did: "said"}]
type CUEExecutor struct{}

// Load compiles fn.Code once to reject syntax errors before any execution.
func (CUEExecutor) Load(fn model.Span) (Func, error) {
	src := fn.Code
	if v := cuecontext.New().CompileString(src); v.Err() != nil {
		return nil, fmt.Errorf("kernel: compile cue for %s: %w", fn.ID, v.Err())
	}
	return func(ctx context.Context, kc *Context, event any) (any, error) {
		return EvalCUE(ctx, kc, src, event)
	}, nil
}

// EvalCUE evaluates src with event bound and applies its output contract.
// Each call uses a fresh cue.Context; they are not safe for concurrent use.
func EvalCUE(ctx context.Context, kc *Context, src string, event any) (any, error) {
	v := cuecontext.New().CompileString(src)
	if v.Err() != nil {
		return nil, fmt.Errorf("kernel: compile cue: %w", v.Err())
	}
	if event != nil {
		v = v.FillPath(cue.ParsePath("event"), event)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("kernel: evaluate cue: %w", err)
	}

	if spans := v.LookupPath(cue.ParsePath("spans")); spans.Exists() {
		raw, err := spans.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("kernel: encode spans: %w", err)
		}
		var list []model.Span
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("kernel: spans must be a list of span objects: %w", err)
		}
		for _, s := range list {
			if s.Who == "" {
				s.Who = kc.Actor()
			}
			if _, err := kc.Insert(ctx, s); err != nil {
				return nil, err
			}
		}
	}

	out := v.LookupPath(cue.ParsePath("output"))
	if !out.Exists() {
		return nil, nil
	}
	raw, err := out.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("kernel: encode output: %w", err)
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("kernel: decode output: %w", err)
	}
	return result, nil
}
