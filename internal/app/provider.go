// Package app assembles a provider from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ivxp/internal/chain"
	"ivxp/internal/config"
	"ivxp/internal/db"
	"ivxp/internal/domain"
	"ivxp/internal/engine"
	"ivxp/internal/events"
	"ivxp/internal/migrate"
	"ivxp/internal/repo"
	"ivxp/internal/signing"
)

type Options struct {
	Workspace  string
	PrivateKey string
	Logger     zerolog.Logger
}

// Provider is a fully wired order engine and the resources behind it.
type Provider struct {
	Config *config.Config
	Engine *engine.Engine
	Signer *signing.Signer
	Store  engine.OrderStore
	Events *events.Emitter
	Logger zerolog.Logger

	conn     *sql.DB
	verifier domain.PaymentVerifier
}

// OpenStore returns the order store named by cfg.Store.Driver. The returned
// *sql.DB is nil for the memory store.
func OpenStore(ctx context.Context, cfg *config.Config, workspace string) (engine.OrderStore, *sql.DB, error) {
	switch cfg.Store.Driver {
	case "memory":
		return repo.NewMemory(), nil, nil
	case "sqlite", "":
		if cfg.Store.Workspace != "" {
			workspace = cfg.Store.Workspace
		}
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return repo.Repo{DB: conn}, conn, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// NewVerifier dials the configured RPC endpoint, or returns the static
// verifier when verification is skipped.
func NewVerifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (domain.PaymentVerifier, error) {
	if cfg.Chain.SkipVerification {
		logger.Warn().Msg("on-chain payment verification disabled; every payment proof is accepted")
		return chain.Static{}, nil
	}
	if cfg.Chain.RPCURL == "" {
		return nil, errors.New("chain.rpc_url is required unless chain.skip_verification is set")
	}
	return chain.Dial(ctx, cfg.Chain.RPCURL, cfg.TokenContract(), cfg.Chain.MinConfirmations,
		time.Duration(cfg.Chain.TimeoutMS)*time.Millisecond, logger)
}

// New builds a provider and seeds its replay set from the store.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Provider, error) {
	key := strings.TrimSpace(opts.PrivateKey)
	if key == "" {
		return nil, errors.New("provider private key is required (IVXP_PRIVATE_KEY)")
	}
	signer, err := signing.NewSigner(key)
	if err != nil {
		return nil, fmt.Errorf("load provider key: %w", err)
	}
	store, conn, err := OpenStore(ctx, cfg, opts.Workspace)
	if err != nil {
		return nil, err
	}
	verifier, err := NewVerifier(ctx, cfg, opts.Logger)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, err
	}

	emitter := events.NewEmitter()
	eng := engine.New(cfg, engine.Deps{
		Store:    store,
		Signer:   signer,
		Verifier: verifier,
		Events:   emitter,
		Logger:   opts.Logger,
	})
	p := &Provider{
		Config:   cfg,
		Engine:   eng,
		Signer:   signer,
		Store:    store,
		Events:   emitter,
		Logger:   opts.Logger,
		conn:     conn,
		verifier: verifier,
	}
	if err := eng.Seed(ctx); err != nil {
		p.Close(ctx)
		return nil, err
	}
	opts.Logger.Info().
		Str("provider", cfg.Provider.Name).
		Str("address", signer.Address()).
		Str("network", cfg.Provider.Network).
		Str("store", cfg.Store.Driver).
		Msg("provider ready")
	return p, nil
}

// Close drains fulfillment, ends open streams and releases the store and
// RPC connection.
func (p *Provider) Close(ctx context.Context) error {
	err := p.Engine.Shutdown(ctx)
	p.Events.Close()
	if v, ok := p.verifier.(*chain.Verifier); ok {
		if c, ok := v.Client.(interface{ Close() }); ok {
			c.Close()
		}
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
