// Package serving is the hybrid query front: every query runs against the
// batch layer, and recently written documents from the speed layer are merged
// on top, so callers see updates before the next materialized refresh.
package serving

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/internal/batch"
	"github.com/fhirlake/fhirlake/internal/compiler"
	"github.com/fhirlake/fhirlake/internal/speed"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// DefaultWindow bounds how far back the speed layer is scanned. It must cover
// the batch refresh interval, otherwise updates fall into a visibility gap.
const DefaultWindow = 24 * time.Hour

type Hybrid struct {
	batch  *batch.Runner
	speed  *speed.Cache
	window time.Duration

	statsMu sync.RWMutex
	stats   datamodel.LayerStatistics
}

// NewHybrid creates the hybrid runner. speedCache may be nil, disabling the
// speed layer entirely. Statistics start at zero.
func NewHybrid(batchRunner *batch.Runner, speedCache *speed.Cache, window time.Duration) *Hybrid {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Hybrid{
		batch:  batchRunner,
		speed:  speedCache,
		window: window,
	}
}

// Execute answers one view query. The batch layer always runs; the speed
// layer is merged on top when it is enabled and reachable. A speed-layer
// outage degrades to batch-only results, it never fails the query.
func (h *Hybrid) Execute(ctx context.Context, viewName string, constraints datamodel.SearchConstraints, maxRows int) (*datamodel.QueryResult, error) {
	view, err := h.batch.CompiledView(viewName)
	if err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = batch.DefaultRowLimit
	}

	batchRows, err := h.batch.Execute(ctx, viewName, constraints, maxRows)
	if err != nil {
		return nil, err
	}
	h.update(func(s *datamodel.LayerStatistics) { s.BatchCalls++ })

	if h.speed == nil {
		return h.result(batchRows, view, datamodel.SourceBatch), nil
	}

	speedRows, err := h.speed.ScanRecent(ctx, view, time.Now().Add(-h.window), constraints, maxRows)
	if err != nil {
		if errors.Is(err, datamodel.ErrCacheBackendUnavailable) {
			zap.S().Warnf("Speed layer unavailable for %s, serving batch-only: %s", viewName, err)
			h.update(func(s *datamodel.LayerStatistics) { s.SpeedSkipped++ })
			return h.result(batchRows, view, datamodel.SourceBatch), nil
		}
		return nil, err
	}
	h.update(func(s *datamodel.LayerStatistics) { s.SpeedCalls++ })

	if len(speedRows) == 0 {
		return h.result(batchRows, view, datamodel.SourceBatch), nil
	}

	merged := mergeRows(mergeKeyColumn(view), batchRows, speedRows, maxRows)
	h.update(func(s *datamodel.LayerStatistics) { s.MergedRows += uint64(len(merged)) })

	source := datamodel.SourceMerged
	if len(batchRows) == 0 {
		source = datamodel.SourceSpeed
	}
	return h.result(merged, view, source), nil
}

// ExecuteCount answers the count-only variant. Counts come from the batch
// layer alone; the speed layer's contribution is bounded by its TTL and not
// worth a second code path.
func (h *Hybrid) ExecuteCount(ctx context.Context, viewName string, constraints datamodel.SearchConstraints) (int64, error) {
	return h.batch.ExecuteCount(ctx, viewName, constraints)
}

func (h *Hybrid) GetStatistics() datamodel.LayerStatistics {
	h.statsMu.RLock()
	defer h.statsMu.RUnlock()
	return h.stats
}

func (h *Hybrid) update(fn func(*datamodel.LayerStatistics)) {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	fn(&h.stats)
}

func (h *Hybrid) result(rows []datamodel.ResultRow, view *compiler.View, source string) *datamodel.QueryResult {
	return &datamodel.QueryResult{
		Rows:     rows,
		Schema:   view.Schema,
		RowCount: len(rows),
		Source:   source,
	}
}

// mergeKeyColumn picks the column batch and speed rows are matched on. Views
// without an id column cannot be overlaid and fall back to concatenation.
func mergeKeyColumn(view *compiler.View) string {
	for _, name := range view.ColumnNames() {
		if name == "id" {
			return name
		}
	}
	return ""
}

// mergeRows overlays speed rows onto batch rows. A speed-layer document is
// presumed newer, so its rows fully replace every batch row of the same id.
// Unmatched speed rows are appended and the row limit re-applied.
func mergeRows(keyCol string, batchRows, speedRows []datamodel.ResultRow, limit int) []datamodel.ResultRow {
	merged := make([]datamodel.ResultRow, 0, len(batchRows)+len(speedRows))

	if keyCol == "" {
		merged = append(merged, batchRows...)
		merged = append(merged, speedRows...)
		if len(merged) > limit {
			merged = merged[:limit]
		}
		return merged
	}

	overlaid := make(map[string]bool, len(speedRows))
	for _, row := range speedRows {
		if id, ok := row[keyCol].(string); ok {
			overlaid[id] = true
		}
	}
	for _, row := range batchRows {
		if id, ok := row[keyCol].(string); ok && overlaid[id] {
			continue
		}
		merged = append(merged, row)
	}
	merged = append(merged, speedRows...)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
