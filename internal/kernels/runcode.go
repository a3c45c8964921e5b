package kernels

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/model"
)

// UNSAFE: run_code evaluates caller-supplied source. It is only reachable by
// booting a function span whose code is "run_code", which the manifest has
// to allowlist like any other. The source is CUE and runs hermetically; it
// never reaches SQL.

const maxStoredCode = 1000

// runCode evaluates event.code (or event.body.code) and records the run as
// an execution span. Evaluation failures are recorded, not returned.
func runCode(ctx context.Context, kc *kernel.Context, event any) (any, error) {
	code := eventField(event, "code", "")
	if code == "" {
		if m, ok := event.(map[string]any); ok {
			code = eventField(m["body"], "code", "")
		}
	}
	if code == "" {
		return nil, errors.New("no code provided to execute")
	}
	var input any
	if m, ok := event.(map[string]any); ok {
		input = m["input"]
	}

	start := kc.Now()
	output, evalErr := kernel.EvalCUE(ctx, kc, code, input)
	elapsed := kc.Now().Sub(start).Milliseconds()

	who := kc.Identity().UserID
	if who == "" {
		who = "kernel:" + RunCode
	}
	s := ownedSpan(kc, model.EntityExecution, who, "executed", RunCode)
	s.Input = map[string]any{"code": truncate(code, maxStoredCode)}
	s.DurationMs = &elapsed
	s.Status = model.StatusComplete
	var errPayload map[string]any
	if evalErr != nil {
		errPayload = map[string]any{"message": evalErr.Error()}
		s.Did, s.Status, s.Error = "failed", model.StatusError, errPayload
	} else {
		s.Output = output
	}
	if _, err := kc.Insert(ctx, s); err != nil {
		return nil, err
	}
	return map[string]any{
		"success":     evalErr == nil,
		"output":      output,
		"error":       errPayload,
		"duration_ms": elapsed,
		"span_id":     s.ID,
	}, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
