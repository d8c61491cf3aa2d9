package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// SortField selects the timestamp used for ordering query results.
type SortField string

const (
	SortByCreatedAt SortField = "created_at"
	SortByUpdatedAt SortField = "updated_at"
)

// SortOrder is the query result direction.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 1000
)

// Filter selects snapshots. Zero values disable a criterion. After bounds are
// inclusive, Before bounds are exclusive. Pages start at 1.
type Filter struct {
	SagaID      string
	AggregateID string
	SagaType    string
	Statuses    []saga.SagaStatus

	CreatedAfter  time.Time
	CreatedBefore time.Time
	UpdatedAfter  time.Time
	UpdatedBefore time.Time

	SortBy    SortField
	SortOrder SortOrder
	Page      int
	PageSize  int
}

// Pagination describes the page returned by Query.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// QueryResult is one page of snapshots.
type QueryResult struct {
	Snapshots  []*saga.SagaStateSnapshot `json:"snapshots"`
	Pagination Pagination                `json:"pagination"`
}

// Normalize validates the filter and fills defaults.
func (f Filter) Normalize() (Filter, error) {
	if f.Page < 0 || f.PageSize < 0 {
		return f, fmt.Errorf("%w: page and page size cannot be negative", ErrInvalidFilter)
	}
	if f.PageSize > MaxPageSize {
		return f, fmt.Errorf("%w: page size %d exceeds %d", ErrInvalidFilter, f.PageSize, MaxPageSize)
	}
	if f.Page == 0 {
		f.Page = 1
	}
	if f.PageSize == 0 {
		f.PageSize = DefaultPageSize
	}
	switch f.SortBy {
	case "":
		f.SortBy = SortByCreatedAt
	case SortByCreatedAt, SortByUpdatedAt:
	default:
		return f, fmt.Errorf("%w: unknown sort field %q", ErrInvalidFilter, f.SortBy)
	}
	switch f.SortOrder {
	case "":
		f.SortOrder = SortDesc
	case SortAsc, SortDesc:
	default:
		return f, fmt.Errorf("%w: unknown sort order %q", ErrInvalidFilter, f.SortOrder)
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return f, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, st)
		}
	}
	return f, nil
}

// Offset returns the index of the first row of the page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Matches reports whether a snapshot satisfies every criterion.
func (f Filter) Matches(s *saga.SagaStateSnapshot) bool {
	if f.SagaID != "" && s.SagaID != f.SagaID {
		return false
	}
	if f.AggregateID != "" && s.AggregateID != f.AggregateID {
		return false
	}
	if f.SagaType != "" && s.SagaType != f.SagaType {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && s.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !s.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.UpdatedAfter.IsZero() && s.UpdatedAt.Before(f.UpdatedAfter) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// ApplyFilter filters, sorts and pages an in-memory candidate set. Backends
// that cannot push the query down to their engine use it after a scan.
func ApplyFilter(candidates []*saga.SagaStateSnapshot, filter Filter) (*QueryResult, error) {
	f, err := filter.Normalize()
	if err != nil {
		return nil, err
	}

	matched := make([]*saga.SagaStateSnapshot, 0, len(candidates))
	for _, s := range candidates {
		if f.Matches(s) {
			matched = append(matched, s)
		}
	}

	key := func(s *saga.SagaStateSnapshot) time.Time {
		if f.SortBy == SortByUpdatedAt {
			return s.UpdatedAt
		}
		return s.CreatedAt
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := key(matched[i]), key(matched[j])
		if a.Equal(b) {
			if f.SortOrder == SortAsc {
				return matched[i].SagaID < matched[j].SagaID
			}
			return matched[i].SagaID > matched[j].SagaID
		}
		if f.SortOrder == SortAsc {
			return a.Before(b)
		}
		return a.After(b)
	})

	total := len(matched)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}

	return &QueryResult{
		Snapshots:  matched[start:end],
		Pagination: NewPagination(f, total),
	}, nil
}

// NewPagination builds pagination metadata for a normalized filter.
func NewPagination(f Filter, total int) Pagination {
	pages := 0
	if f.PageSize > 0 {
		pages = (total + f.PageSize - 1) / f.PageSize
	}
	return Pagination{
		Page:       f.Page,
		PageSize:   f.PageSize,
		Total:      total,
		TotalPages: pages,
	}
}
