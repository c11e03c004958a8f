package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/crmsync/internal/crm"
	"github.com/vipul43/crmsync/internal/syncerr"
)

type record struct {
	ID string `json:"id"`
}

// mockSource is a mock implementation of Source
type mockSource struct {
	searchFunc func(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error)
	countFunc  func(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (int, error)
	searches   int
}

func (m *mockSource) Search(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error) {
	m.searches++
	return m.searchFunc(ctx, entity, q)
}

func (m *mockSource) Count(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (int, error) {
	return m.countFunc(ctx, entity, q)
}

// endless returns full pages forever with a unique id per record
func endless(total int) func(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error) {
	return func(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error) {
		res := &crm.SearchResult{Total: total}
		for i := 0; i < q.PageLimit; i++ {
			raw, _ := json.Marshal(record{ID: fmt.Sprintf("p%d-%d", q.Page, i)})
			res.Records = append(res.Records, raw)
		}
		return res, nil
	}
}

func allFresh(ctx context.Context, recs []record) (int, error) {
	return len(recs), nil
}

var contacts = Query{Entity: crm.EntityContacts, LocationID: "loc-1"}

func TestFetchUntil_StopsAtTarget(t *testing.T) {
	src := &mockSource{searchFunc: endless(0)}

	stored := 0
	stats, err := FetchUntil(context.Background(), src, contacts, UntilOptions{
		TargetCount: 25,
		PageSize:    10,
		LocalCount:  func(ctx context.Context) (int64, error) { return int64(stored), nil },
	}, func(ctx context.Context, recs []record) (int, error) {
		stored += len(recs)
		return len(recs), nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, src.searches, 3)
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, 30, stats.Fetched)
	assert.Equal(t, StopTargetReached, stats.StopReason)
}

func TestFetchUntil_KeepsPagingThroughUpdatesAtTarget(t *testing.T) {
	src := &mockSource{searchFunc: endless(0)}

	// Local already matches the remote total; the first two pages are all
	// updates and the third reaches records that have not changed.
	stats, err := FetchUntil(context.Background(), src, contacts, UntilOptions{
		TargetCount: 25,
		PageSize:    10,
		LocalCount:  func(ctx context.Context) (int64, error) { return 25, nil },
	}, func(ctx context.Context, recs []record) (int, error) {
		if src.searches < 3 {
			return len(recs), nil
		}
		return 4, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, src.searches)
	assert.Equal(t, 24, stats.New)
	assert.Equal(t, StopTargetReached, stats.StopReason)
}

func TestFetchUntil_StopsAtTargetWhenPageHasUnchangedRecords(t *testing.T) {
	src := &mockSource{searchFunc: endless(0)}

	stats, err := FetchUntil(context.Background(), src, contacts, UntilOptions{
		TargetCount: 25,
		PageSize:    10,
		LocalCount:  func(ctx context.Context) (int64, error) { return 25, nil },
	}, func(ctx context.Context, recs []record) (int, error) { return 1, nil })

	require.NoError(t, err)
	assert.Equal(t, 1, src.searches)
	assert.Equal(t, StopTargetReached, stats.StopReason)
}

func TestFetchUntil_StopsOnEmptyPageRegardlessOfTarget(t *testing.T) {
	src := &mockSource{searchFunc: func(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error) {
		if q.Page == 2 {
			return &crm.SearchResult{}, nil
		}
		return endless(0)(ctx, entity, q)
	}}

	stats, err := FetchUntil(context.Background(), src, contacts, UntilOptions{TargetCount: 1000, PageSize: 10}, allFresh)

	require.NoError(t, err)
	assert.Equal(t, 2, src.searches)
	assert.Equal(t, 10, stats.Fetched)
	assert.Equal(t, StopExhausted, stats.StopReason)
}

func TestFetchUntil_StopsOnShortPage(t *testing.T) {
	src := &mockSource{searchFunc: func(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error) {
		raw, _ := json.Marshal(record{ID: "only"})
		return &crm.SearchResult{Records: []json.RawMessage{raw}, Total: 1}, nil
	}}

	stats, err := FetchUntil(context.Background(), src, contacts, UntilOptions{PageSize: 10}, allFresh)

	require.NoError(t, err)
	assert.Equal(t, 1, src.searches)
	assert.Equal(t, StopExhausted, stats.StopReason)
}

func TestFetchUntil_StopsWhenPageBringsNothingNew(t *testing.T) {
	src := &mockSource{searchFunc: endless(0)}

	stats, err := FetchUntil(context.Background(), src, contacts, UntilOptions{PageSize: 10},
		func(ctx context.Context, recs []record) (int, error) { return 0, nil })

	require.NoError(t, err)
	assert.Equal(t, 1, src.searches)
	assert.Equal(t, StopNoNewRecords, stats.StopReason)
}

func TestFetchUntil_ExhaustiveIgnoresUnchangedPages(t *testing.T) {
	src := &mockSource{searchFunc: endless(0)}

	stats, err := FetchUntil(context.Background(), src, contacts, UntilOptions{PageSize: 10, MaxPages: 4, Exhaustive: true},
		func(ctx context.Context, recs []record) (int, error) { return 0, nil })

	require.NoError(t, err)
	assert.Equal(t, 4, src.searches)
	assert.Equal(t, StopPageCeiling, stats.StopReason)
}

func TestFetchUntil_PageCeiling(t *testing.T) {
	src := &mockSource{searchFunc: endless(0)}

	stats, err := FetchUntil(context.Background(), src, contacts, UntilOptions{PageSize: 5}, allFresh)

	require.NoError(t, err)
	assert.Equal(t, DefaultMaxPages, src.searches)
	assert.Equal(t, DefaultMaxPages*5, stats.Fetched)
	assert.Equal(t, StopPageCeiling, stats.StopReason)
}

func TestFetchUntil_SurfacesRemoteErrors(t *testing.T) {
	src := &mockSource{searchFunc: func(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error) {
		if q.Page == 2 {
			return nil, &crm.APIError{StatusCode: http.StatusBadGateway, Path: "/contacts/search"}
		}
		return endless(0)(ctx, entity, q)
	}}

	stats, err := FetchUntil(context.Background(), src, contacts, UntilOptions{PageSize: 10}, allFresh)

	require.Error(t, err)
	assert.Equal(t, syncerr.KindTransient, syncerr.Classify(err))
	assert.Equal(t, 1, stats.Pages)
	assert.Equal(t, 2, src.searches)
}

func TestFetchUntil_HandlerErrorAborts(t *testing.T) {
	src := &mockSource{searchFunc: endless(0)}
	boom := errors.New("boom")

	_, err := FetchUntil(context.Background(), src, contacts, UntilOptions{PageSize: 10},
		func(ctx context.Context, recs []record) (int, error) { return 0, boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, src.searches)
}

func TestFetchPage(t *testing.T) {
	tests := []struct {
		name        string
		records     []string
		total       int
		page        int
		wantRecords int
		wantSkipped int
		wantHasMore bool
	}{
		{"full page with more behind", []string{`{"id":"a"}`, `{"id":"b"}`}, 5, 1, 2, 0, true},
		{"full last page by total", []string{`{"id":"a"}`, `{"id":"b"}`}, 4, 2, 2, 0, false},
		{"short page", []string{`{"id":"a"}`}, 0, 1, 1, 0, false},
		{"empty page", nil, 0, 1, 0, 0, false},
		{"malformed record skipped", []string{`{"id":"a"}`, `{"id":42}`}, 0, 1, 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotQuery crm.SearchQuery
			src := &mockSource{searchFunc: func(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (*crm.SearchResult, error) {
				gotQuery = q
				res := &crm.SearchResult{Total: tt.total}
				for _, r := range tt.records {
					res.Records = append(res.Records, json.RawMessage(r))
				}
				return res, nil
			}}

			page, err := FetchPage[record](context.Background(), src, contacts, tt.page, 2)
			require.NoError(t, err)
			assert.Len(t, page.Records, tt.wantRecords)
			assert.Equal(t, tt.wantSkipped, page.Skipped)
			assert.Equal(t, tt.wantHasMore, page.HasMore)
			assert.Equal(t, "loc-1", gotQuery.LocationID)
			assert.Equal(t, tt.page, gotQuery.Page)
			assert.Equal(t, 2, gotQuery.PageLimit)
		})
	}
}

func TestCount(t *testing.T) {
	src := &mockSource{countFunc: func(ctx context.Context, entity crm.Entity, q crm.SearchQuery) (int, error) {
		assert.Equal(t, crm.EntityContacts, entity)
		return 42, nil
	}}

	total, err := Count(context.Background(), src, contacts)
	require.NoError(t, err)
	assert.Equal(t, 42, total)
}
