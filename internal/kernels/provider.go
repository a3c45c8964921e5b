package kernels

import (
	"context"
	"fmt"

	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/model"
)

// DefaultProvider is used when the event names none.
const DefaultProvider = "default"

// Provider performs an action against an external system on behalf of
// provider_exec. Implementations receive the full bootstrap event.
type Provider interface {
	Do(ctx context.Context, action string, event any) (any, error)
}

// EchoProvider performs nothing and reports the action back.
type EchoProvider struct{}

// Do implements Provider.
func (EchoProvider) Do(_ context.Context, action string, _ any) (any, error) {
	return map[string]any{"action_performed": action}, nil
}

// execProvider runs event.action (default "status") on event.provider and
// records the call as a provider_action span.
func execProvider(providers map[string]Provider) kernel.Func {
	return func(ctx context.Context, kc *kernel.Context, event any) (any, error) {
		action := eventField(event, "action", "status")
		name := eventField(event, "provider", DefaultProvider)

		s := ownedSpan(kc, model.EntityProvider, "kernel:"+ProviderExec, action, name)
		s.Input = map[string]any{"action": action, "provider": name, "event_data": event}

		p, ok := providers[name]
		var out any
		var err error
		if !ok {
			err = fmt.Errorf("unknown provider %q", name)
		} else {
			out, err = p.Do(ctx, action, event)
		}

		if err != nil {
			s.Status = model.StatusError
			s.Error = map[string]any{"message": err.Error()}
		} else {
			s.Status = model.StatusComplete
			s.Output = map[string]any{
				"result":        out,
				"provider_name": name,
				"executed_at":   model.FormatTime(kc.Now()),
			}
		}
		if _, ierr := kc.Insert(ctx, s); ierr != nil {
			return nil, ierr
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %s: %w", name, action, err)
		}
		return map[string]any{"success": true, "action": action, "provider": name, "span_id": s.ID}, nil
	}
}
