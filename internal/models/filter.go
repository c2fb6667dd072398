package models

import (
	"slices"
	"time"
)

// TimeFilter restricts sources to an inclusive window measured back from the
// moment the filter is evaluated.
type TimeFilter string

const (
	TimeFilterAny   TimeFilter = "any"
	TimeFilterDay   TimeFilter = "day"
	TimeFilterWeek  TimeFilter = "week"
	TimeFilterMonth TimeFilter = "month"
	TimeFilterYear  TimeFilter = "year"
)

const day = 24 * time.Hour

// Window returns the filter's lookback duration. The second return value is
// false for TimeFilterAny and unknown values, meaning no cutoff applies.
func (t TimeFilter) Window() (time.Duration, bool) {
	switch t {
	case TimeFilterDay:
		return day, true
	case TimeFilterWeek:
		return 7 * day, true
	case TimeFilterMonth:
		return 30 * day, true
	case TimeFilterYear:
		return 365 * day, true
	default:
		return 0, false
	}
}

// SortOption orders filtered sources.
type SortOption string

const (
	// SortByRelevance keeps retrieval order; no score is computed client-side.
	SortByRelevance SortOption = "relevance"
	// SortByDate orders by publication date, newest first.
	SortByDate SortOption = "date"
)

// SourceFilter is a derived view over a session's sources. It is never
// persisted.
type SourceFilter struct {
	Types []SourceType
	Time  TimeFilter
	Sort  SortOption
}

// DefaultSourceFilter enables every source type with no time cutoff, in
// retrieval order.
func DefaultSourceFilter() SourceFilter {
	return SourceFilter{
		Types: SourceTypes(),
		Time:  TimeFilterAny,
		Sort:  SortByRelevance,
	}
}

// FilterSources applies the type and time filters to sources, then sorts the
// remainder according to f.Sort. The time window is evaluated against now.
// The input slice is not modified.
func FilterSources(sources []Source, f SourceFilter, now time.Time) []Source {
	window, bounded := f.Time.Window()

	var out []Source
	for _, s := range sources {
		if !slices.Contains(f.Types, s.SourceType) {
			continue
		}
		if bounded && now.Sub(s.Date) > window {
			continue
		}
		out = append(out, s)
	}

	if f.Sort == SortByDate {
		slices.SortStableFunc(out, func(a, b Source) int {
			return b.Date.Compare(a.Date)
		})
	}
	return out
}
