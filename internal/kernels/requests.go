package kernels

import (
	"context"

	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/worker"
)

// RequestWorkerConfig is the worker configuration behind request_worker.
// The serve command runs the same configuration on its own poll loop.
func RequestWorkerConfig(batchSize int, claim bool) worker.Config {
	return worker.Config{
		Name:  RequestWorker,
		Actor: "kernel:" + RequestWorker,
		Select: model.SpanFilter{
			EntityType: model.Ptr(model.EntityRequest),
			Status:     model.Ptr(model.StatusPending),
		},
		BatchSize: batchSize,
		Claim:     claim,
	}
}

// HandleRequest marks one pending request as processed.
func HandleRequest(_ context.Context, kc *kernel.Context, item model.Span) (any, error) {
	return map[string]any{
		"request_id":   item.ID,
		"processed_at": model.FormatTime(kc.Now()),
	}, nil
}

func processRequests(opts Options) kernel.Func {
	w := worker.New(RequestWorkerConfig(opts.RequestBatchSize, opts.ClaimRequests), HandleRequest, opts.Logger)
	return func(ctx context.Context, kc *kernel.Context, _ any) (any, error) {
		n, err := w.RunBatch(ctx, kc)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "processed_count": n}, nil
	}
}
