package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/EagleChen/mapmutex"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/internal/catalog"
	"github.com/fhirlake/fhirlake/internal/compiler"
	"github.com/fhirlake/fhirlake/internal/integrity"
	"github.com/fhirlake/fhirlake/internal/viewdef"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// PgxIface is the subset of pgxpool.Pool the refresher needs. Tests
// substitute a pgxmock pool.
type PgxIface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// session is one database session. Advisory locks are session-scoped, so the
// lock, the refresh statements and the unlock must all run on the same one.
type session interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const registryTableDDL = `CREATE TABLE IF NOT EXISTS serving_view_registry (
	view_name text PRIMARY KEY,
	active_version text NOT NULL,
	promoted_at timestamptz NOT NULL
)`

// Refresher rebuilds every registered materialized view and promotes the new
// contents only when the integrity validator passes.
type Refresher struct {
	Db        PgxIface
	registry  *viewdef.Registry
	compiler  *compiler.Compiler
	validator *integrity.Validator
	locks     *mapmutex.Mutex
	schema    string
	acquire   func(ctx context.Context) (session, func(), error)
}

func NewRefresher(db PgxIface, registry *viewdef.Registry, schema string) *Refresher {
	r := &Refresher{
		Db:        db,
		registry:  registry,
		compiler:  compiler.New(),
		validator: integrity.NewValidator(db, registry),
		locks:     mapmutex.NewMapMutex(),
		schema:    schema,
	}
	r.acquire = func(context.Context) (session, func(), error) {
		return r.Db, func() {}, nil
	}
	return r
}

// UsePool routes each refresh through a dedicated pooled connection. Without
// it the advisory lock lands on whichever connection served the query while
// the refresh runs on another, and the unlock addresses a third.
func (r *Refresher) UsePool(pool *pgxpool.Pool) {
	r.acquire = func(ctx context.Context) (session, func(), error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.Release, nil
	}
}

// RefreshAll refreshes every registered view, validates the result and
// promotes the refreshed views. A failing integrity report blocks promotion
// of all views and surfaces as an error, so the job exits nonzero.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	if _, err := r.Db.Exec(ctx, registryTableDDL); err != nil {
		return &datamodel.ExecutionError{Statement: registryTableDDL, Err: err}
	}

	var refreshed []string
	for _, name := range r.registry.Names() {
		ok, err := r.Refresh(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			refreshed = append(refreshed, name)
		}
	}
	if len(refreshed) == 0 {
		zap.S().Infof("No view was refreshed, nothing to promote")
		return nil
	}

	report, err := r.validator.Validate(ctx, r.schema)
	if err != nil {
		return err
	}
	if !report.Passed() {
		for _, check := range report.Checks {
			if !check.Passed() {
				zap.S().Errorf("Integrity check %s failed: %d of %d rows invalid (%s)",
					check.Name, check.Violations(), check.Examined, check.Detail)
			}
		}
		return fmt.Errorf("integrity validation failed, refusing to promote %d views", len(refreshed))
	}

	for _, name := range refreshed {
		if err := r.promote(ctx, name); err != nil {
			return err
		}
	}
	zap.S().Infof("Promoted %d views", len(refreshed))
	return nil
}

// Refresh rebuilds one materialized view, creating it on first run. It
// reports false when another process holds the view's advisory lock.
func (r *Refresher) Refresh(ctx context.Context, viewName string) (bool, error) {
	def, err := r.registry.Get(viewName)
	if err != nil {
		return false, err
	}
	view, err := r.compiler.Compile(def)
	if err != nil {
		return false, err
	}
	matView := catalog.MaterializedViewName(viewName)

	if !r.locks.TryLock(viewName) {
		zap.S().Warnf("Refresh of %s already running in this process, skipping", viewName)
		return false, nil
	}
	defer r.locks.Unlock(viewName)

	sess, release, err := r.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	// Cross-process single-writer discipline: a concurrent refresh of the
	// same view must never run, queries keep reading the prior contents.
	lockKey := int64(xxh3.HashString("viewrefresh:" + viewName))
	var locked bool
	if err := sess.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&locked); err != nil {
		return false, &datamodel.ExecutionError{Statement: "SELECT pg_try_advisory_lock($1)", Err: err}
	}
	if !locked {
		zap.S().Warnf("Refresh of %s is running in another process, skipping", viewName)
		return false, nil
	}
	defer func() {
		if _, err := sess.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockKey); err != nil {
			zap.S().Warnf("Failed to release advisory lock for %s: %s", viewName, err)
		}
	}()

	exists, err := r.materializedViewExists(ctx, sess, matView)
	if err != nil {
		return false, err
	}
	if exists {
		sql := fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s", matView)
		if !canRefreshConcurrently(view) {
			// Without a unique index CONCURRENTLY is rejected outright.
			sql = fmt.Sprintf("REFRESH MATERIALIZED VIEW %s", matView)
		}
		if _, err := sess.Exec(ctx, sql); err != nil {
			return false, &datamodel.ExecutionError{Statement: sql, Err: err}
		}
		zap.S().Infof("Refreshed %s", matView)
	} else {
		sql := fmt.Sprintf("CREATE MATERIALIZED VIEW %s AS %s", matView, compiler.MaterializationSQL(view))
		if _, err := sess.Exec(ctx, sql); err != nil {
			return false, &datamodel.ExecutionError{Statement: sql, Err: err}
		}
		if canRefreshConcurrently(view) {
			idx := fmt.Sprintf("CREATE UNIQUE INDEX %s_id_idx ON %s (id)", matView, matView)
			if _, err := sess.Exec(ctx, idx); err != nil {
				return false, &datamodel.ExecutionError{Statement: idx, Err: err}
			}
		}
		zap.S().Infof("Created %s", matView)
	}

	r.analyze(ctx, sess, matView)
	return true, nil
}

// canRefreshConcurrently reports whether the materialized view can carry the
// unique index REFRESH CONCURRENTLY requires. Row expansions multiply one
// resource into several rows, leaving no unique column to index.
func canRefreshConcurrently(view *compiler.View) bool {
	if len(view.Expansions) > 0 {
		return false
	}
	for _, name := range view.ColumnNames() {
		if name == "id" {
			return true
		}
	}
	return false
}

// analyze refreshes planner statistics for the view and the auxiliary
// indexed-attribute tables. Failures are logged, stale statistics are not
// worth failing the refresh over.
func (r *Refresher) analyze(ctx context.Context, sess session, matView string) {
	tables := append([]string{matView}, catalog.DefaultShape.AuxiliaryTables...)
	for _, table := range tables {
		if _, err := sess.Exec(ctx, fmt.Sprintf("ANALYZE %s", table)); err != nil {
			zap.S().Warnf("Failed to analyze %s: %s", table, err)
		}
	}
}

func (r *Refresher) materializedViewExists(ctx context.Context, sess session, matView string) (bool, error) {
	var name string
	err := sess.QueryRow(ctx,
		"SELECT matviewname FROM pg_matviews WHERE schemaname = $1 AND matviewname = $2",
		r.schema, matView).Scan(&name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, &datamodel.ExecutionError{Statement: "SELECT matviewname FROM pg_matviews", Err: err}
}

// promote records the freshly validated version in the serving registry.
func (r *Refresher) promote(ctx context.Context, viewName string) error {
	def, err := r.registry.Get(viewName)
	if err != nil {
		return err
	}
	version := def.Version
	if version == "" {
		version = "1"
	}
	sql := `INSERT INTO serving_view_registry (view_name, active_version, promoted_at) VALUES ($1, $2, now())
	ON CONFLICT (view_name) DO UPDATE SET active_version = EXCLUDED.active_version, promoted_at = now()`
	if _, err := r.Db.Exec(ctx, sql, viewName, version); err != nil {
		return &datamodel.ExecutionError{Statement: sql, Err: err}
	}
	return nil
}
