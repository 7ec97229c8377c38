package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/audit"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/claims"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/extract"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/ocr"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/pipeline"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/router"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/verify"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/vocab"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "shelftruth.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// app wires the pipeline components from the loaded config.
type app struct {
	router *router.Router
	runner *pipeline.Runner
}

func newApp(st store.Store) (*app, error) {
	v, err := vocab.Load(cfg.Verify.VocabularyPath)
	if err != nil {
		return nil, eris.Wrap(err, "load vocabulary")
	}
	engine, err := verify.Load(cfg.Verify)
	if err != nil {
		return nil, eris.Wrap(err, "load verification engine")
	}

	retries := cfg.Pipeline.StoreRetries
	rec := audit.NewRecorder(st, audit.WithRetries(retries))
	agg := claims.NewAggregator(v, claims.Config{
		DescriptionBase: cfg.Pipeline.DescriptionBase,
		DegradedFactor:  cfg.Pipeline.DegradedFactor,
	})
	rt := router.New(st, rec, agg, engine, router.WithRetries(retries))
	ext := extract.New(ocr.NewToolkit(cfg.Extract, ocr.ExecRunner{}), st, cfg.Extract)

	runner := pipeline.NewRunner(pipeline.Deps{
		Store:      st,
		Extractor:  ext,
		Aggregator: agg,
		Engine:     engine,
		Router:     rt,
		Recorder:   rec,
	}, cfg)

	return &app{router: rt, runner: runner}, nil
}
