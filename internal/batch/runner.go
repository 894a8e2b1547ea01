// Package batch executes compiled view queries against the document store.
// Queries prefer a precomputed materialized view when one exists, falling
// back to compile-and-run against the live tables. Successful results are
// kept in the tiered result cache.
package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/jackc/pgx/v5"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/internal/catalog"
	"github.com/fhirlake/fhirlake/internal/compiler"
	"github.com/fhirlake/fhirlake/internal/rescache"
	"github.com/fhirlake/fhirlake/internal/viewdef"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// PgxIface is the subset of pgxpool.Pool the runner needs. Tests substitute
// a pgxmock pool.
type PgxIface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

const (
	// DefaultRowLimit bounds queries whose caller did not pass a limit.
	DefaultRowLimit = 1000

	matViewCacheTTL = 60 * time.Second
	queryTimeout    = 60 * time.Second
)

type Runner struct {
	Db       PgxIface
	registry *viewdef.Registry
	compiler *compiler.Compiler
	cache    *rescache.Cache

	// matViews caches pg_matviews existence lookups, invalidated by TTL or
	// explicitly after a refresh.
	matViews *gocache.Cache
	locks    *mapmutex.Mutex

	calls      atomic.Uint64
	execMillis atomic.Uint64
}

func NewRunner(db PgxIface, registry *viewdef.Registry, resultCache *rescache.Cache) *Runner {
	return &Runner{
		Db:       db,
		registry: registry,
		compiler: compiler.New(),
		cache:    resultCache,
		matViews: gocache.New(matViewCacheTTL, 2*matViewCacheTTL),
		locks:    mapmutex.NewMapMutex(),
	}
}

// Execute runs a view query and returns its rows. Compile errors surface
// before any database round trip. Identical requests within the cache TTL are
// served from the result cache without re-executing.
func (r *Runner) Execute(ctx context.Context, viewName string, constraints datamodel.SearchConstraints, limit int) ([]datamodel.ResultRow, error) {
	view, err := r.compile(viewName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRowLimit
	}

	key := rescache.Key(viewName, constraints, limit)
	if rows, cached := r.cache.GetRows(ctx, key); cached {
		return rows, nil
	}

	// Keep concurrent identical requests from stampeding the database.
	if locked := r.locks.TryLock(key); locked {
		defer r.locks.Unlock(key)
		if rows, cached := r.cache.GetRows(ctx, key); cached {
			return rows, nil
		}
	}

	query, err := r.assemble(ctx, view, constraints, limit)
	if err != nil {
		return nil, err
	}

	rows, err := r.queryRows(ctx, query.RowSQL, query.RowArgs)
	if err != nil {
		return nil, err
	}
	r.cache.SetRows(ctx, key, rows)
	return rows, nil
}

// ExecuteCount runs the count-only variant. Counts are cheap enough that they
// bypass the result cache.
func (r *Runner) ExecuteCount(ctx context.Context, viewName string, constraints datamodel.SearchConstraints) (int64, error) {
	view, err := r.compile(viewName)
	if err != nil {
		return 0, err
	}
	query, err := r.assemble(ctx, view, constraints, DefaultRowLimit)
	if err != nil {
		return 0, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	start := time.Now()
	var count int64
	err = r.Db.QueryRow(queryCtx, query.CountSQL, query.CountArgs...).Scan(&count)
	r.record(start)
	if err != nil {
		return 0, &datamodel.ExecutionError{Statement: query.CountSQL, Err: err}
	}
	return count, nil
}

// GetSchema returns the column to type map of a view without executing it.
func (r *Runner) GetSchema(viewName string) (datamodel.Schema, error) {
	view, err := r.compile(viewName)
	if err != nil {
		return nil, err
	}
	return view.Schema, nil
}

// CompiledView exposes the compiled artifact for collaborators (the speed
// layer evaluates the same columns in-process).
func (r *Runner) CompiledView(viewName string) (*compiler.View, error) {
	return r.compile(viewName)
}

// MaterializedViewExists checks pg_matviews through a TTL cache, so the
// serving path does not pay a catalog lookup per query.
func (r *Runner) MaterializedViewExists(ctx context.Context, viewName string) bool {
	matView := catalog.MaterializedViewName(viewName)
	if cached, found := r.matViews.Get(matView); found {
		return cached.(bool)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var name string
	err := r.Db.QueryRow(lookupCtx, "SELECT matviewname FROM pg_matviews WHERE matviewname = $1", matView).Scan(&name)
	exists := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		zap.S().Warnf("Failed to check materialized view %s: %s", matView, err)
		// Treat lookup failures as absent without caching, the next call
		// retries.
		return false
	}
	r.matViews.SetDefault(matView, exists)
	return exists
}

// InvalidateMaterializedViewCache drops the existence cache, e.g. after an
// out-of-band refresh created a new view.
func (r *Runner) InvalidateMaterializedViewCache() {
	r.matViews.Flush()
}

// ClearCache flushes the result cache.
func (r *Runner) ClearCache(ctx context.Context) {
	r.cache.Flush(ctx)
}

func (r *Runner) GetCacheStatistics() datamodel.CacheStatistics {
	return r.cache.Statistics()
}

func (r *Runner) GetExecutionStatistics() datamodel.ExecutionStatistics {
	calls := r.calls.Load()
	total := r.execMillis.Load()
	stats := datamodel.ExecutionStatistics{Calls: calls, TotalMillis: total}
	if calls > 0 {
		stats.AverageMillis = float64(total) / float64(calls)
	}
	return stats
}

func (r *Runner) compile(viewName string) (*compiler.View, error) {
	def, err := r.registry.Get(viewName)
	if err != nil {
		return nil, err
	}
	return r.compiler.Compile(def)
}

// assemble picks the materialized fast path when the view exists and every
// constraint maps onto one of its columns.
func (r *Runner) assemble(ctx context.Context, view *compiler.View, constraints datamodel.SearchConstraints, limit int) (*compiler.Query, error) {
	viewName := view.Definition.Name
	if r.MaterializedViewExists(ctx, viewName) {
		matView := catalog.MaterializedViewName(viewName)
		query, ok, err := compiler.AssembleMaterialized(view, matView, constraints, limit)
		if err != nil {
			return nil, err
		}
		if ok {
			return query, nil
		}
		zap.S().Debugf("Constraints for %s not covered by %s, compiling against live tables", viewName, matView)
	}
	return compiler.Assemble(view, constraints, limit)
}

func (r *Runner) queryRows(ctx context.Context, sql string, args []interface{}) ([]datamodel.ResultRow, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := r.Db.Query(queryCtx, sql, args...)
	if err != nil {
		r.record(start)
		return nil, &datamodel.ExecutionError{Statement: sql, Err: err}
	}
	defer rows.Close()

	out := make([]datamodel.ResultRow, 0)
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			r.record(start)
			return nil, &datamodel.ExecutionError{Statement: sql, Err: err}
		}
		row := make(datamodel.ResultRow, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	r.record(start)
	if err := rows.Err(); err != nil {
		return nil, &datamodel.ExecutionError{Statement: sql, Err: err}
	}
	return out, nil
}

func (r *Runner) record(start time.Time) {
	r.calls.Add(1)
	r.execMillis.Add(uint64(time.Since(start).Milliseconds()))
}
