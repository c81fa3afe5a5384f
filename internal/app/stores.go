package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	conclave "github.com/nevindra/conclave"
	"github.com/nevindra/conclave/internal/config"
	"github.com/nevindra/conclave/store/chromem"
	"github.com/nevindra/conclave/store/postgres"
	"github.com/nevindra/conclave/store/sqlite"
)

// stores bundles the driver instances behind the four storage contracts.
// closers release them in reverse open order.
type stores struct {
	sessions  conclave.SessionStore
	vectors   conclave.VectorStore
	documents conclave.DocumentStore
	relations conclave.RelationStore
	closers   []func() error
}

// storeBackend is the full surface the SQL drivers implement. The chromem
// driver is vector-only and never passes through here.
type storeBackend interface {
	conclave.SessionStore
	conclave.VectorStore
	conclave.DocumentStore
	conclave.RelationStore
	Init(ctx context.Context) error
	Close() error
}

// openStores resolves the session and memory store URLs into initialized
// drivers. Matching URLs share one backend. A chromem memory URL keeps
// vectors in an in-process index while documents and relations stay on the
// session backend.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	primary, err := openBackend(ctx, cfg, cfg.Store.SessionURL, logger)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	if err := primary.Init(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("session store init: %w", err)
	}
	st := &stores{
		sessions:  primary,
		vectors:   primary,
		documents: primary,
		relations: primary,
		closers:   []func() error{primary.Close},
	}

	memURL := cfg.Store.MemoryURL
	if memURL == cfg.Store.SessionURL {
		return st, nil
	}

	if scheme, _, _ := config.SplitURL(memURL); scheme == "chromem" {
		vectors, err := chromem.New(chromem.WithLogger(logger))
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("memory store: %w", err)
		}
		st.vectors = vectors
		return st, nil
	}

	secondary, err := openBackend(ctx, cfg, memURL, logger)
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("memory store: %w", err)
	}
	if err := secondary.Init(ctx); err != nil {
		secondary.Close()
		primary.Close()
		return nil, fmt.Errorf("memory store init: %w", err)
	}
	st.vectors = secondary
	st.documents = secondary
	st.relations = secondary
	st.closers = append(st.closers, secondary.Close)
	return st, nil
}

// openBackend maps a store URL onto a driver. The postgres driver owns the
// pool it is handed; Close releases it.
func openBackend(ctx context.Context, cfg *config.Config, url string, logger *slog.Logger) (storeBackend, error) {
	scheme, rest, ok := config.SplitURL(url)
	if !ok {
		return nil, fmt.Errorf("store url %q has no scheme", url)
	}
	switch scheme {
	case "sqlite":
		return sqlite.New(rest, sqlite.WithLogger(logger))
	case "postgres":
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		return postgres.New(pool,
			postgres.WithEmbeddingDimension(cfg.Embedding.Dimension)), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", scheme)
	}
}
