package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/spanledger/internal/bootstrap"
	"github.com/ashita-ai/spanledger/internal/config"
	"github.com/ashita-ai/spanledger/internal/ctxutil"
	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/kernels"
	"github.com/ashita-ai/spanledger/internal/ledger"
	"github.com/ashita-ai/spanledger/internal/model"
	"github.com/ashita-ai/spanledger/internal/storage"
	"github.com/ashita-ai/spanledger/internal/storage/sqlite"
)

// app is an open ledger plus everything built on it.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	identity model.Identity
	ledger   *ledger.Ledger
	loader   *bootstrap.Loader
	runtimes kernel.Runtimes

	// db is nil on the embedded backend.
	db    *storage.DB
	close func()
}

func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg := opts.Config
	logger := opts.Logger

	signer, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}
	id := sessionIdentity(ctx, cfg)
	session := storage.Session{UserID: id.UserID, TenantID: id.TenantID}

	a := &app{cfg: cfg, logger: logger, identity: id}
	var backend ledger.Backend
	if cfg.IsSQLite() {
		store, err := sqlite.Open(ctx, cfg.SQLitePath(), session, logger)
		if err != nil {
			return nil, err
		}
		backend = store
		a.close = func() { _ = store.Close() }
	} else {
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, session, logger)
		if err != nil {
			return nil, err
		}
		backend = db
		a.db = db
		a.close = func() { db.Close(context.WithoutCancel(ctx)) }
	}

	a.ledger = ledger.New(backend, ledger.Options{
		Signer:   signer,
		Identity: id,
		Logger:   logger,
	})

	reg := kernel.NewRegistry()
	kernels.Register(reg, kernels.Options{
		Logger:           logger,
		RequestBatchSize: cfg.WorkerBatchSize,
		ClaimRequests:    cfg.WorkerClaim,
	})
	a.runtimes = kernel.Runtimes{
		kernel.RuntimeGo:  reg,
		kernel.RuntimeCUE: kernel.CUEExecutor{},
	}
	a.loader = bootstrap.New(a.ledger, a.runtimes, bootstrap.Config{
		Timeout: cfg.ExecTimeout,
		Trust: bootstrap.TrustPolicy{
			RequireSignature: cfg.RequireSigned,
			TrustedKeys:      cfg.TrustedKeys,
		},
	}, logger)

	return a, nil
}

func (a *app) Close() {
	if a.close != nil {
		a.close()
	}
}

// withApp opens the ledger, runs fn and closes it again.
func withApp(ctx context.Context, opts *RootOptions, fn func(a *app) error) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newSigner(cfg config.Config) (*integrity.Signer, error) {
	if cfg.SigningKeyHex == "" {
		return nil, nil
	}
	s, err := integrity.NewSigner(cfg.SigningKeyHex)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	return s, nil
}

// sessionIdentity prefers an identity bound by --token over the configured
// one.
func sessionIdentity(ctx context.Context, cfg config.Config) model.Identity {
	if id, ok := ctxutil.IdentityFromContext(ctx); ok {
		return id
	}
	return model.Identity{UserID: cfg.UserID, TenantID: cfg.TenantID}
}
