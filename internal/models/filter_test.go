package models_test

import (
	"testing"
	"time"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
)

func TestFilterSourcesTimeWindow(t *testing.T) {
	now := time.Now()
	sources := []models.Source{
		{ID: "fresh", Date: now, SourceType: models.SourceTypeWeb},
		{ID: "recent", Date: now.Add(-2 * 24 * time.Hour), SourceType: models.SourceTypeWeb},
		{ID: "old", Date: now.Add(-40 * 24 * time.Hour), SourceType: models.SourceTypeWeb},
	}

	tests := []struct {
		name    string
		time    models.TimeFilter
		wantIDs []string
	}{
		{
			name:    "any keeps all",
			time:    models.TimeFilterAny,
			wantIDs: []string{"fresh", "recent", "old"},
		},
		{
			name:    "day keeps only fresh",
			time:    models.TimeFilterDay,
			wantIDs: []string{"fresh"},
		},
		{
			name:    "week keeps fresh and recent",
			time:    models.TimeFilterWeek,
			wantIDs: []string{"fresh", "recent"},
		},
		{
			name:    "year keeps all",
			time:    models.TimeFilterYear,
			wantIDs: []string{"fresh", "recent", "old"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := models.DefaultSourceFilter()
			filter.Time = tt.time

			got := models.FilterSources(sources, filter, now)

			if len(got) != len(tt.wantIDs) {
				t.Fatalf("FilterSources() returned %d sources, want %d", len(got), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if got[i].ID != want {
					t.Errorf("FilterSources()[%d].ID = %s, want %s", i, got[i].ID, want)
				}
			}
		})
	}
}

func TestFilterSourcesByType(t *testing.T) {
	now := time.Now()
	sources := []models.Source{
		{ID: "1", Date: now, SourceType: models.SourceTypeBlog},
		{ID: "2", Date: now, SourceType: models.SourceTypeAcademic},
		{ID: "3", Date: now, SourceType: models.SourceTypeWeb},
	}

	filter := models.SourceFilter{
		Types: []models.SourceType{models.SourceTypeAcademic},
		Time:  models.TimeFilterAny,
		Sort:  models.SortByRelevance,
	}

	got := models.FilterSources(sources, filter, now)
	if len(got) != 1 || got[0].ID != "2" {
		t.Errorf("FilterSources() = %+v, want only the academic source", got)
	}
}

func TestFilterSourcesSort(t *testing.T) {
	now := time.Now()
	sources := []models.Source{
		{ID: "older", Date: now.Add(-2 * time.Hour), SourceType: models.SourceTypeWeb},
		{ID: "newest", Date: now, SourceType: models.SourceTypeWeb},
		{ID: "oldest", Date: now.Add(-4 * time.Hour), SourceType: models.SourceTypeWeb},
	}

	filter := models.DefaultSourceFilter()
	filter.Sort = models.SortByDate

	got := models.FilterSources(sources, filter, now)
	wantOrder := []string{"newest", "older", "oldest"}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("FilterSources()[%d].ID = %s, want %s", i, got[i].ID, want)
		}
	}

	// Relevance keeps retrieval order.
	filter.Sort = models.SortByRelevance
	got = models.FilterSources(sources, filter, now)
	wantOrder = []string{"older", "newest", "oldest"}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("relevance FilterSources()[%d].ID = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestApplyRating(t *testing.T) {
	msg := models.Message{ID: "1", Role: models.RoleAssistant}

	msg.ApplyRating(models.RatingUp)
	if msg.Rating != models.RatingUp {
		t.Errorf("Rating = %q, want up", msg.Rating)
	}

	// Same rating twice clears it.
	msg.ApplyRating(models.RatingUp)
	if msg.Rating != models.RatingNone {
		t.Errorf("Rating = %q, want cleared", msg.Rating)
	}

	msg.ApplyRating(models.RatingUp)
	msg.ApplyRating(models.RatingDown)
	if msg.Rating != models.RatingDown {
		t.Errorf("Rating = %q, want down", msg.Rating)
	}
}

func TestSourceSelection(t *testing.T) {
	src := models.Source{ID: "1"}
	if !src.IsSelected() {
		t.Error("absent selection flag should count as selected")
	}

	src.ToggleSelected()
	if src.IsSelected() {
		t.Error("toggle should deselect a selected source")
	}

	src.ToggleSelected()
	if !src.IsSelected() {
		t.Error("second toggle should reselect the source")
	}
}

func TestSelectedSources(t *testing.T) {
	deselected := false
	sources := []models.Source{
		{ID: "1"},
		{ID: "2", Selected: &deselected},
	}

	got := models.SelectedSources(sources)
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("SelectedSources() = %+v, want only source 1", got)
	}
}

func TestSessionTitle(t *testing.T) {
	if got := models.SessionTitle("  What is quantum entanglement?  "); got != "What is quantum entanglement?" {
		t.Errorf("SessionTitle() = %q", got)
	}

	long := make([]rune, 200)
	for i := range long {
		long[i] = 'a'
	}
	if got := models.SessionTitle(string(long)); len([]rune(got)) > 81 {
		t.Errorf("SessionTitle() did not truncate, got %d runes", len([]rune(got)))
	}
}
