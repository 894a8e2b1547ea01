// Package integrity verifies that materialized view contents are consistent
// with the source documents before a refreshed view is promoted to serving.
package integrity

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fhirlake/fhirlake/internal/batch"
	"github.com/fhirlake/fhirlake/internal/catalog"
	"github.com/fhirlake/fhirlake/internal/compiler"
	"github.com/fhirlake/fhirlake/internal/viewdef"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

const (
	// referenceFormat is the well-formedness pattern of a full reference.
	referenceFormat = `^[A-Za-z]+/.+$`

	latencySamples    = 5
	latencyThreshold  = 500 * time.Millisecond
	checkQueryTimeout = 30 * time.Second
)

type Validator struct {
	Db       batch.PgxIface
	registry *viewdef.Registry
	compiler *compiler.Compiler
}

func NewValidator(db batch.PgxIface, registry *viewdef.Registry) *Validator {
	return &Validator{
		Db:       db,
		registry: registry,
		compiler: compiler.New(),
	}
}

// Validate runs every check against the materialized views in the given
// database schema and returns the combined report. A report with any failed
// check must block promotion.
func (v *Validator) Validate(ctx context.Context, schema string) (*datamodel.IntegrityReport, error) {
	report := &datamodel.IntegrityReport{
		Schema:    schema,
		StartedAt: time.Now(),
	}

	views, err := v.materializedViews(ctx, schema)
	if err != nil {
		return nil, err
	}

	checks := []func(context.Context, string, []*compiler.View) (datamodel.IntegrityCheck, error){
		v.checkDualColumns,
		v.checkExtractedIdentifiers,
		v.checkReferenceFormat,
		v.checkForeignKeys,
		v.checkJoinLatency,
	}
	for _, check := range checks {
		result, err := check(ctx, schema, views)
		if err != nil {
			return nil, err
		}
		report.Checks = append(report.Checks, result)
	}

	report.Duration = time.Since(report.StartedAt)
	return report, nil
}

// materializedViews compiles every registered view that currently has a
// materialized backing in the schema.
func (v *Validator) materializedViews(ctx context.Context, schema string) ([]*compiler.View, error) {
	var views []*compiler.View
	for _, name := range v.registry.Names() {
		def, err := v.registry.Get(name)
		if err != nil {
			return nil, err
		}
		view, err := v.compiler.Compile(def)
		if err != nil {
			return nil, err
		}

		queryCtx, cancel := context.WithTimeout(ctx, checkQueryTimeout)
		var found string
		err = v.Db.QueryRow(queryCtx,
			"SELECT matviewname FROM pg_matviews WHERE schemaname = $1 AND matviewname = $2",
			schema, catalog.MaterializedViewName(name)).Scan(&found)
		cancel()
		if err != nil {
			continue
		}
		views = append(views, view)
	}
	return views, nil
}

// referencePairs lists (reference column, derived id column) pairs of a view.
func referencePairs(view *compiler.View) [][2]string {
	var pairs [][2]string
	for _, col := range view.Columns {
		if col.FromReference != "" {
			pairs = append(pairs, [2]string{col.FromReference, col.Name})
		}
	}
	return pairs
}

// checkDualColumns verifies that every reference column's derived id twin
// physically exists in the materialized view.
func (v *Validator) checkDualColumns(ctx context.Context, schema string, views []*compiler.View) (datamodel.IntegrityCheck, error) {
	check := datamodel.IntegrityCheck{Name: "dual_column_existence"}
	start := time.Now()
	for _, view := range views {
		matView := catalog.MaterializedViewName(view.Definition.Name)
		for _, pair := range referencePairs(view) {
			check.Examined++
			var count int64
			err := v.queryRow(ctx,
				"SELECT count(*) FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 AND column_name IN ($3, $4)",
				&count, schema, matView, pair[0], pair[1])
			if err != nil {
				return check, err
			}
			if count == 2 {
				check.Valid++
			} else {
				check.Detail = fmt.Sprintf("%s is missing %s or %s", matView, pair[0], pair[1])
			}
		}
	}
	check.Duration = time.Since(start)
	return check, nil
}

// checkExtractedIdentifiers re-derives every stored identifier from its full
// reference and counts mismatches.
func (v *Validator) checkExtractedIdentifiers(ctx context.Context, schema string, views []*compiler.View) (datamodel.IntegrityCheck, error) {
	check := datamodel.IntegrityCheck{Name: "extracted_identifier_correctness"}
	start := time.Now()
	for _, view := range views {
		matView := catalog.MaterializedViewName(view.Definition.Name)
		for _, pair := range referencePairs(view) {
			sql := fmt.Sprintf(
				"SELECT count(*), count(*) FILTER (WHERE %s IS DISTINCT FROM %s) FROM %s.%s WHERE %s IS NOT NULL",
				pair[1], compiler.ReferenceIDSQL(pair[0]), schema, matView, pair[0])
			total, bad, err := v.queryCounts(ctx, sql)
			if err != nil {
				return check, err
			}
			check.Examined += total
			check.Valid += total - bad
			if bad > 0 {
				check.Detail = fmt.Sprintf("%s.%s disagrees with %s", matView, pair[1], pair[0])
			}
		}
	}
	check.Duration = time.Since(start)
	return check, nil
}

// checkReferenceFormat counts stored references that do not match the
// Type/id shape.
func (v *Validator) checkReferenceFormat(ctx context.Context, schema string, views []*compiler.View) (datamodel.IntegrityCheck, error) {
	check := datamodel.IntegrityCheck{Name: "reference_well_formedness"}
	start := time.Now()
	for _, view := range views {
		matView := catalog.MaterializedViewName(view.Definition.Name)
		for _, pair := range referencePairs(view) {
			sql := fmt.Sprintf(
				"SELECT count(*), count(*) FILTER (WHERE %s !~ '%s') FROM %s.%s WHERE %s IS NOT NULL",
				pair[0], referenceFormat, schema, matView, pair[0])
			total, bad, err := v.queryCounts(ctx, sql)
			if err != nil {
				return check, err
			}
			check.Examined += total
			check.Valid += total - bad
			if bad > 0 {
				check.Detail = fmt.Sprintf("%s.%s holds malformed references", matView, pair[0])
			}
		}
	}
	check.Duration = time.Since(start)
	return check, nil
}

// checkForeignKeys verifies that every extracted identifier points at an
// existing, undeleted resource.
func (v *Validator) checkForeignKeys(ctx context.Context, schema string, views []*compiler.View) (datamodel.IntegrityCheck, error) {
	shape := catalog.DefaultShape
	check := datamodel.IntegrityCheck{Name: "foreign_key_completeness"}
	start := time.Now()
	for _, view := range views {
		matView := catalog.MaterializedViewName(view.Definition.Name)
		for _, pair := range referencePairs(view) {
			sql := fmt.Sprintf(
				"SELECT count(*), count(*) FILTER (WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE t.%s::text = m.%s AND t.%s IS NULL)) FROM %s.%s m WHERE m.%s IS NOT NULL",
				shape.ResourceTable, shape.IDColumn, pair[1], shape.DeletedColumn, schema, matView, pair[1])
			total, bad, err := v.queryCounts(ctx, sql)
			if err != nil {
				return check, err
			}
			check.Examined += total
			check.Valid += total - bad
			if bad > 0 {
				check.Detail = fmt.Sprintf("%s.%s points at missing resources", matView, pair[1])
			}
		}
	}
	check.Duration = time.Since(start)
	return check, nil
}

// checkJoinLatency samples the identity-to-payload join and fails when the
// mean latency exceeds the threshold.
func (v *Validator) checkJoinLatency(ctx context.Context, _ string, _ []*compiler.View) (datamodel.IntegrityCheck, error) {
	shape := catalog.DefaultShape
	check := datamodel.IntegrityCheck{Name: "join_latency"}
	start := time.Now()

	sql := fmt.Sprintf("SELECT count(*) FROM %s r JOIN %s v ON v.%s = r.%s AND v.%s = r.%s WHERE r.%s IS NULL",
		shape.ResourceTable, shape.PayloadTable,
		shape.IDColumn, shape.IDColumn,
		shape.VersionColumn, shape.VersionColumn,
		shape.DeletedColumn)

	samples := make([]float64, 0, latencySamples)
	for i := 0; i < latencySamples; i++ {
		var count int64
		sampleStart := time.Now()
		if err := v.queryRow(ctx, sql, &count); err != nil {
			return check, err
		}
		elapsed := time.Since(sampleStart)
		samples = append(samples, float64(elapsed.Microseconds())/1000.0)
		check.Examined++
		if elapsed <= latencyThreshold {
			check.Valid++
		}
	}

	mean, stddev := stat.MeanStdDev(samples, nil)
	check.Detail = fmt.Sprintf("mean %.2fms, stddev %.2fms over %d samples", mean, stddev, latencySamples)
	check.Duration = time.Since(start)
	return check, nil
}

func (v *Validator) queryRow(ctx context.Context, sql string, dest *int64, args ...interface{}) error {
	queryCtx, cancel := context.WithTimeout(ctx, checkQueryTimeout)
	defer cancel()
	if err := v.Db.QueryRow(queryCtx, sql, args...).Scan(dest); err != nil {
		return &datamodel.ExecutionError{Statement: sql, Err: err}
	}
	return nil
}

func (v *Validator) queryCounts(ctx context.Context, sql string) (total, bad int64, err error) {
	queryCtx, cancel := context.WithTimeout(ctx, checkQueryTimeout)
	defer cancel()
	if err := v.Db.QueryRow(queryCtx, sql).Scan(&total, &bad); err != nil {
		return 0, 0, &datamodel.ExecutionError{Statement: sql, Err: err}
	}
	return total, bad, nil
}
