// Package kernels holds the built-in entry points that function spans can
// name in their code field: observer_bot, policy_agent, request_worker,
// provider_exec and run_code.
package kernels

import (
	"log/slog"
	"time"

	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/model"
)

// Entry point names.
const (
	ObserverBot   = "observer_bot"
	PolicyAgent   = "policy_agent"
	RequestWorker = "request_worker"
	ProviderExec  = "provider_exec"
	RunCode       = "run_code"
)

// lookback is the window observer_bot and policy_agent inspect.
const lookback = time.Hour

// Options configures the built-in kernels.
type Options struct {
	Logger *slog.Logger
	// Providers are the provider_exec backends by name. A "default" echo
	// provider is added when absent.
	Providers map[string]Provider
	// RequestBatchSize and ClaimRequests configure request_worker.
	RequestBatchSize int
	ClaimRequests    bool
}

// Register binds every built-in kernel in reg.
func Register(reg *kernel.Registry, opts Options) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	providers := map[string]Provider{DefaultProvider: EchoProvider{}}
	for name, p := range opts.Providers {
		providers[name] = p
	}

	reg.Register(ObserverBot, observe)
	reg.Register(PolicyAgent, checkPolicy(opts.Logger))
	reg.Register(RequestWorker, processRequests(opts))
	reg.Register(ProviderExec, execProvider(providers))
	reg.Register(RunCode, runCode)
}

// ownedSpan is kc.NewSpan with the kernel's own actor name.
func ownedSpan(kc *kernel.Context, entityType, who, did, this string) model.Span {
	s := kc.NewSpan(entityType, did, this)
	s.Who = who
	return s
}

// eventField reads a string field from a JSON-object event.
func eventField(event any, key, def string) string {
	m, _ := event.(map[string]any)
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}
