package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	catalog "github.com/sablerun/agentrt/internal/models"
)

type fakeModelClient struct {
	name string
	fn   func(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

func (f *fakeModelClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	return f.fn(ctx, req)
}

func (f *fakeModelClient) Stream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeModelClient) Name() string { return f.name }

func alwaysFails(err error) func(context.Context, GenerateRequest) (GenerateResult, error) {
	return func(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
		return GenerateResult{}, err
	}
}

func alwaysSucceeds(content string) func(context.Context, GenerateRequest) (GenerateResult, error) {
	return func(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
		return GenerateResult{Content: content, StopReason: StopEndTurn}, nil
	}
}

func testPipeline(t *testing.T) (*FallbackPipeline, *Router) {
	t.Helper()
	cat := catalog.NewCatalog()
	router := NewRouter(cat, RouterWeights{})
	pipeline := NewFallbackPipeline(router, FallbackPipelineConfig{
		RetryDelay:              time.Millisecond,
		MaxRetries:              3,
		CircuitBreakerThreshold: 2,
		CircuitBreakerWindow:    time.Hour,
	})
	return pipeline, router
}

func TestFallbackPipeline_PrimarySuccessNeverTriesFallback(t *testing.T) {
	pipeline, _ := testPipeline(t)
	pipeline.RegisterClient("claude-3-5-haiku-latest", &fakeModelClient{name: "anthropic", fn: alwaysSucceeds("ok")})

	result, model, err := pipeline.Generate(context.Background(), TaskQuickQA, Constraints{}, "sess-1", GenerateRequest{})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if model != "claude-3-5-haiku-latest" {
		t.Errorf("got model %q", model)
	}
	if result.Content != "ok" {
		t.Errorf("got content %q", result.Content)
	}
}

func TestFallbackPipeline_FallsBackAfterPrimaryFails(t *testing.T) {
	pipeline, _ := testPipeline(t)
	pipeline.cfg.DeclaredFallbackChain = []string{"gpt-4o-mini"}
	pipeline.RegisterClient("claude-3-5-haiku-latest", &fakeModelClient{name: "anthropic", fn: alwaysFails(errors.New("503 server error"))})
	pipeline.RegisterClient("gpt-4o-mini", &fakeModelClient{name: "openai", fn: alwaysSucceeds("fallback-ok")})

	result, model, err := pipeline.Generate(context.Background(), TaskQuickQA, Constraints{}, "sess-1", GenerateRequest{})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if model != "gpt-4o-mini" {
		t.Errorf("got model %q, want gpt-4o-mini", model)
	}
	if result.Content != "fallback-ok" {
		t.Errorf("got content %q", result.Content)
	}
}

func TestFallbackPipeline_AllAttemptsFailedWhenEveryCandidateErrors(t *testing.T) {
	pipeline, _ := testPipeline(t)
	pipeline.cfg.DeclaredFallbackChain = []string{"gpt-4o-mini"}
	pipeline.RegisterClient("claude-3-5-haiku-latest", &fakeModelClient{fn: alwaysFails(errors.New("500 internal server error"))})
	pipeline.RegisterClient("gpt-4o-mini", &fakeModelClient{fn: alwaysFails(errors.New("503 server error"))})

	_, _, err := pipeline.Generate(context.Background(), TaskQuickQA, Constraints{}, "sess-1", GenerateRequest{})
	if err == nil {
		t.Fatal("expected an error")
	}
	var allFailed *AllAttemptsFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("got %T, want *AllAttemptsFailedError", err)
	}
}

func TestFallbackPipeline_OpenCircuitBreakerSkipsModelWithoutCallingClient(t *testing.T) {
	pipeline, _ := testPipeline(t)
	pipeline.cfg.DeclaredFallbackChain = []string{"gpt-4o-mini"}

	calls := 0
	pipeline.RegisterClient("claude-3-5-haiku-latest", &fakeModelClient{fn: func(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
		calls++
		return GenerateResult{}, errors.New("500 internal server error")
	}})
	pipeline.RegisterClient("gpt-4o-mini", &fakeModelClient{fn: alwaysSucceeds("fallback-ok")})

	// Trip the primary's breaker (threshold 2) via two independent failed
	// generations, each of which also succeeds on the fallback.
	for i := 0; i < 2; i++ {
		if _, _, err := pipeline.Generate(context.Background(), TaskQuickQA, Constraints{}, "sess-1", GenerateRequest{}); err != nil {
			t.Fatalf("Generate returned error: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected primary to be called twice before breaker trips, got %d", calls)
	}

	// Third call: breaker should now be open, so the primary client must
	// not be invoked at all.
	result, model, err := pipeline.Generate(context.Background(), TaskQuickQA, Constraints{}, "sess-1", GenerateRequest{})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if model != "gpt-4o-mini" {
		t.Errorf("got model %q, want fallback to have been used", model)
	}
	if result.Content != "fallback-ok" {
		t.Errorf("got content %q", result.Content)
	}
	if calls != 2 {
		t.Errorf("expected breaker to skip the primary client; it was called %d times", calls)
	}
}

func TestFallbackPipeline_SuccessResetsCircuitBreaker(t *testing.T) {
	pipeline, _ := testPipeline(t)
	pipeline.cfg.DeclaredFallbackChain = nil

	fails := true
	pipeline.RegisterClient("claude-3-5-haiku-latest", &fakeModelClient{fn: func(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
		if fails {
			return GenerateResult{}, errors.New("500 internal server error")
		}
		return GenerateResult{Content: "recovered", StopReason: StopEndTurn}, nil
	}})

	// No fallback registered, so a failed attempt here returns
	// AllAttemptsFailedError rather than succeeding.
	if _, _, err := pipeline.Generate(context.Background(), TaskQuickQA, Constraints{}, "sess-1", GenerateRequest{}); err == nil {
		t.Fatal("expected first call to fail")
	}

	fails = false
	result, _, err := pipeline.Generate(context.Background(), TaskQuickQA, Constraints{}, "sess-1", GenerateRequest{})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if result.Content != "recovered" {
		t.Errorf("got content %q", result.Content)
	}

	if pipeline.breakerOpen("claude-3-5-haiku-latest") {
		t.Error("breaker should have been reset after the successful call")
	}
}

func TestFallbackPipeline_HistoryRecordsEachAttempt(t *testing.T) {
	pipeline, _ := testPipeline(t)
	pipeline.cfg.DeclaredFallbackChain = []string{"gpt-4o-mini"}
	pipeline.RegisterClient("claude-3-5-haiku-latest", &fakeModelClient{fn: alwaysFails(errors.New("503 server error"))})
	pipeline.RegisterClient("gpt-4o-mini", &fakeModelClient{fn: alwaysSucceeds("fallback-ok")})

	if _, _, err := pipeline.Generate(context.Background(), TaskQuickQA, Constraints{}, "sess-42", GenerateRequest{}); err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}

	hist := pipeline.History()
	if len(hist) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(hist))
	}
	if hist[0].Success || hist[0].Model != "claude-3-5-haiku-latest" {
		t.Errorf("unexpected first attempt: %+v", hist[0])
	}
	if !hist[1].Success || hist[1].Model != "gpt-4o-mini" {
		t.Errorf("unexpected second attempt: %+v", hist[1])
	}
	if hist[1].SessionID != "sess-42" {
		t.Errorf("got session id %q", hist[1].SessionID)
	}
}
