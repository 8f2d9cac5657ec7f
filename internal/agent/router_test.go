package agent

import (
	"testing"

	catalog "github.com/sablerun/agentrt/internal/models"
)

func testRouter() *Router {
	return NewRouter(catalog.NewCatalog(), RouterWeights{})
}

func TestRouter_UnconstrainedUsesTaskClassDefault(t *testing.T) {
	r := testRouter()

	id, reason, err := r.Route(TaskQuickQA, Constraints{})
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if id != "claude-3-5-haiku-latest" {
		t.Errorf("got model %q, want claude-3-5-haiku-latest", id)
	}
	if reason != "unconstrained task-class default" {
		t.Errorf("got reason %q", reason)
	}
}

func TestRouter_ExcludedModelIsNeverChosen(t *testing.T) {
	r := testRouter()

	id, _, err := r.Route(TaskQuickQA, Constraints{ExcludedModels: []string{"claude-3-5-haiku-latest"}})
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if id == "claude-3-5-haiku-latest" {
		t.Errorf("excluded model was chosen")
	}
}

func TestRouter_PreferredModelWinsOverScoring(t *testing.T) {
	r := testRouter()

	id, reason, err := r.Route(TaskGeneral, Constraints{
		RequiredCapabilities: []catalog.Capability{catalog.CapTools},
		PreferredModels:      []string{"gemini-2.0-flash-exp"},
	})
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if id != "gemini-2.0-flash-exp" {
		t.Errorf("got %q, want preferred model gemini-2.0-flash-exp", id)
	}
	if reason != "preferred model" {
		t.Errorf("got reason %q", reason)
	}
}

func TestRouter_ContextLengthFiltersSmallWindows(t *testing.T) {
	r := testRouter()

	id, _, err := r.Route(TaskGeneral, Constraints{ContextLength: 500000})
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	m, ok := r.Catalog().Get(id)
	if !ok {
		t.Fatalf("chosen model %q not in catalog", id)
	}
	if m.ContextWindow < 500000 {
		t.Errorf("chosen model %q has context window %d, want >= 500000", id, m.ContextWindow)
	}
}

func TestRouter_RequiredCapabilityExcludesNonMatchingModels(t *testing.T) {
	r := testRouter()

	id, _, err := r.Route(TaskGeneral, Constraints{RequiredCapabilities: []catalog.Capability{catalog.CapReasoning}})
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	m, _ := r.Catalog().Get(id)
	if !m.HasCapability(catalog.CapReasoning) {
		t.Errorf("chosen model %q lacks required capability reasoning", id)
	}
}

func TestRouter_ImpossibleConstraintsRelaxToDefault(t *testing.T) {
	r := testRouter()

	id, reason, err := r.Route(TaskQuickQA, Constraints{MaxCostPerCall: 0.000001})
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a relaxed default model, got empty id")
	}
	if reason != "relaxed to task-class default" {
		t.Errorf("got reason %q", reason)
	}
}

func TestRouter_HistoryIsBoundedAndRecorded(t *testing.T) {
	r := NewRouter(catalog.NewCatalog(), RouterWeights{TaskFitWeight: 0.4, CostWeight: 0.3, LatencyWeight: 0.2, CapabilityBreadthWeight: 0.1, HistoryWindow: 3})

	for i := 0; i < 5; i++ {
		if _, _, err := r.Route(TaskGeneral, Constraints{}); err != nil {
			t.Fatalf("Route returned error: %v", err)
		}
	}

	hist := r.History()
	if len(hist) != 3 {
		t.Fatalf("expected history bounded to 3, got %d", len(hist))
	}
}

func TestRouter_NoCandidatesErrorsWhenCatalogEmpty(t *testing.T) {
	r := NewRouter(&catalog.Catalog{}, RouterWeights{})

	if _, _, err := r.Route(TaskGeneral, Constraints{}); err != ErrNoCandidates {
		t.Errorf("expected ErrNoCandidates, got %v", err)
	}
}
