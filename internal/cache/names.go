package cache

import (
	"context"
	"strconv"
	"time"
)

// Names of the caches registered by default
const (
	ChangeDetectionDetail  = "changeDetectionDetail"
	ChangeDetectionSummary = "changeDetectionSummary"
	ChangeDetectionResults = "changeDetectionResults"
	AOIGeometry            = "aoiGeometry"
)

// EvictChangeDetectionDetail drops the cached detail of one change detection
func (i *Invalidator) EvictChangeDetectionDetail(ctx context.Context, id int64) error {
	return i.EvictKey(ctx, ChangeDetectionDetail, strconv.FormatInt(id, 10))
}

// EvictChangeDetectionSummary drops the summary cached for a calendar date
func (i *Invalidator) EvictChangeDetectionSummary(ctx context.Context, date time.Time) error {
	return i.EvictKey(ctx, ChangeDetectionSummary, date.Format(time.DateOnly))
}

// EvictAOIGeometry drops the geometry cached for a quad id
func (i *Invalidator) EvictAOIGeometry(ctx context.Context, quadID string) error {
	return i.EvictKey(ctx, AOIGeometry, quadID)
}

// EvictAllChangeDetection clears every change detection cache
func (i *Invalidator) EvictAllChangeDetection(ctx context.Context) error {
	return i.EvictAll(ctx, ChangeDetectionDetail, ChangeDetectionSummary, ChangeDetectionResults)
}
