// Package fetcher pulls paginated entity collections from the remote CRM.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/syncerr"
)

const (
	DefaultPageSize = 100
	DefaultMaxPages = 50
)

// Stop reasons reported in Stats.
const (
	StopExhausted     = "exhausted"
	StopTargetReached = "target_reached"
	StopNoNewRecords  = "no_new_records"
	StopPageCeiling   = "page_ceiling"
)

// Source is the remote search surface, already bound to a credential.
type Source interface {
	Search(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error)
	Count(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (int, error)
}

// Page is one decoded page. Skipped counts records that failed to decode.
type Page[T any] struct {
	Records []T
	HasMore bool
	Total   int
	Skipped int
}

// Query selects what to fetch.
type Query struct {
	Entity     crm.Entity
	LocationID string
	Sort       []crm.Sort
	Filters    []crm.Filter
}

func (q Query) search(page, pageSize int) crm.SearchQuery {
	return crm.SearchQuery{
		LocationID: q.LocationID,
		Page:       page,
		PageLimit:  pageSize,
		Sort:       q.Sort,
		Filters:    q.Filters,
	}
}

// FetchPage retrieves and decodes page (1-based). An empty page or a short
// page ends iteration. Transport and non-2xx errors are returned classified.
func FetchPage[T any](ctx context.Context, src Source, q Query, page, pageSize int) (*Page[T], error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	res, err := src.Search(ctx, q.Entity, q.search(page, pageSize))
	if err != nil {
		return nil, syncerr.Wrap(fmt.Sprintf("fetch %s page %d", q.Entity, page), err)
	}

	out := &Page[T]{
		Records: make([]T, 0, len(res.Records)),
		Total:   res.Total,
	}
	for i, raw := range res.Records {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			out.Skipped++
			log.Warn().
				Err(err).
				Str("entity", string(q.Entity)).
				Str("location_id", q.LocationID).
				Int("page", page).
				Int("index", i).
				Msg("skipping malformed record")
			continue
		}
		out.Records = append(out.Records, rec)
	}

	received := len(res.Records)
	out.HasMore = received > 0 && received >= pageSize
	if res.Total > 0 && page*pageSize >= res.Total {
		out.HasMore = false
	}
	return out, nil
}

// Count returns the remote total for q.
func Count(ctx context.Context, src Source, q Query) (int, error) {
	total, err := src.Count(ctx, q.Entity, q.search(1, 1))
	if err != nil {
		return 0, syncerr.Wrap(fmt.Sprintf("count %s", q.Entity), err)
	}
	return total, nil
}

// UntilOptions bound a FetchUntil loop.
type UntilOptions struct {
	// TargetCount stops the loop once the local count reaches it. Zero disables.
	TargetCount int
	PageSize    int
	MaxPages    int
	// LocalCount reports how many rows of the entity are stored locally.
	// When nil the number of records handled so far is used.
	LocalCount func(ctx context.Context) (int64, error)
	// Exhaustive disables the no-new-records stop. Used while backfilling,
	// when unchanged leading pages do not mean the rest is stored.
	Exhaustive bool
}

// Stats summarises a FetchUntil loop.
type Stats struct {
	Pages      int    `json:"pages"`
	Fetched    int    `json:"fetched"`
	New        int    `json:"new"`
	Skipped    int    `json:"skipped"`
	StopReason string `json:"stop_reason"`
}

// FetchUntil pages through q until the remote source is exhausted, the local
// count reaches the target, a page brings nothing new, or the page ceiling is hit.
// The target stop is deferred while pages hold nothing but updates to
// already-stored records.
// handle persists one page and reports how many records were new or changed.
func FetchUntil[T any](ctx context.Context, src Source, q Query, opts UntilOptions, handle func(ctx context.Context, records []T) (fresh int, err error)) (Stats, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}

	var stats Stats
	var before int64
	if opts.TargetCount > 0 && opts.LocalCount != nil {
		var err error
		if before, err = opts.LocalCount(ctx); err != nil {
			return stats, fmt.Errorf("failed to count local %s: %w", q.Entity, err)
		}
	}

	for page := 1; page <= opts.MaxPages; page++ {
		p, err := FetchPage[T](ctx, src, q, page, opts.PageSize)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		stats.Skipped += p.Skipped

		if len(p.Records) == 0 && p.Skipped == 0 {
			stats.StopReason = StopExhausted
			return stats, nil
		}

		fresh, err := handle(ctx, p.Records)
		if err != nil {
			return stats, err
		}
		stats.Fetched += len(p.Records)
		stats.New += fresh

		if !p.HasMore {
			stats.StopReason = StopExhausted
			return stats, nil
		}

		if opts.TargetCount > 0 {
			local := int64(stats.Fetched)
			if opts.LocalCount != nil {
				if local, err = opts.LocalCount(ctx); err != nil {
					return stats, fmt.Errorf("failed to count local %s: %w", q.Entity, err)
				}
			}
			// A page made only of updates while the count stays flat means
			// later pages may still hold changed records.
			updatesOnly := local == before && len(p.Records) > 0 && fresh == len(p.Records)
			if local >= int64(opts.TargetCount) && !updatesOnly {
				stats.StopReason = StopTargetReached
				return stats, nil
			}
			before = local
		}

		if fresh == 0 && !opts.Exhaustive {
			stats.StopReason = StopNoNewRecords
			return stats, nil
		}
	}

	log.Warn().
		Str("entity", string(q.Entity)).
		Str("location_id", q.LocationID).
		Int("max_pages", opts.MaxPages).
		Msg("page ceiling reached")
	stats.StopReason = StopPageCeiling
	return stats, nil
}
