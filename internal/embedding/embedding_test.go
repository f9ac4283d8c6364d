package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/corpushq/corpus/internal/log"
)

// mockClient returns canned vectors and can be scripted to fail specific
// batches, keyed by the first text of the batch.
type mockClient struct {
	dimension int
	failFor   map[string]error
	failOnce  map[string]int // remaining failures before succeeding
	calls     int
	batches   [][]string
}

func (m *mockClient) Embed(_ context.Context, texts []string) ([][]float32, Usage, error) {
	m.calls++
	m.batches = append(m.batches, texts)

	if len(texts) > 0 {
		key := texts[0]
		if err, ok := m.failFor[key]; ok {
			return nil, Usage{}, err
		}
		if n, ok := m.failOnce[key]; ok && n > 0 {
			m.failOnce[key] = n - 1
			return nil, Usage{}, &ServiceError{StatusCode: 503, Message: "try again"}
		}
	}

	vectors := make([][]float32, len(texts))
	tokens := 0
	for i, text := range texts {
		vec := make([]float32, m.dimension)
		vec[0] = float32(len(text))
		vectors[i] = vec
		tokens += EstimateTokens(text)
	}
	return vectors, Usage{InputTokens: tokens}, nil
}

func quickRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	client := &mockClient{dimension: 4}

	tests := []struct {
		name    string
		client  Client
		cfg     Config
		wantErr bool
	}{
		{
			name:   "valid",
			client: client,
			cfg:    Config{Dimension: 4, BatchSize: 8, Retry: quickRetry()},
		},
		{
			name:    "nil client",
			client:  nil,
			cfg:     Config{Dimension: 4, BatchSize: 8, Retry: quickRetry()},
			wantErr: true,
		},
		{
			name:    "zero dimension",
			client:  client,
			cfg:     Config{Dimension: 0, BatchSize: 8, Retry: quickRetry()},
			wantErr: true,
		},
		{
			name:    "zero batch size",
			client:  client,
			cfg:     Config{Dimension: 4, BatchSize: 0, Retry: quickRetry()},
			wantErr: true,
		},
		{
			name:    "bad retry policy",
			client:  client,
			cfg:     Config{Dimension: 4, BatchSize: 8, Retry: RetryConfig{MaxAttempts: 0}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.client, tt.cfg, nil, log.NewNop())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEmbed_Batching(t *testing.T) {
	t.Parallel()

	client := &mockClient{dimension: 4}
	gen, err := New(client, Config{Dimension: 4, BatchSize: 2, Retry: quickRetry()}, nil, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	texts := []string{"aa", "bb", "cc", "dd", "ee"}
	res, err := gen.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if !res.Complete() {
		t.Fatalf("expected complete result, failed batches: %v", res.Failed)
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3 batches of size 2", client.calls)
	}
	if len(res.Vectors) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(res.Vectors), len(texts))
	}
	for i, v := range res.Vectors {
		if len(v) != 4 {
			t.Errorf("vector %d has dimension %d, want 4", i, len(v))
		}
	}
}

func TestEmbed_Empty(t *testing.T) {
	t.Parallel()

	client := &mockClient{dimension: 4}
	gen, err := New(client, Config{Dimension: 4, BatchSize: 2, Retry: quickRetry()}, nil, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := gen.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(res.Vectors) != 0 || !res.Complete() {
		t.Errorf("empty input should yield empty complete result, got %+v", res)
	}
	if client.calls != 0 {
		t.Errorf("client called %d times for empty input", client.calls)
	}
}

func TestEmbed_PartialFailureKeepsSuccesses(t *testing.T) {
	t.Parallel()

	client := &mockClient{
		dimension: 4,
		failFor:   map[string]error{"cc": &ServiceError{StatusCode: 401, Message: "bad key"}},
	}
	gen, err := New(client, Config{Dimension: 4, BatchSize: 2, Retry: quickRetry()}, nil, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := gen.Embed(context.Background(), []string{"aa", "bb", "cc", "dd", "ee"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if res.Complete() {
		t.Fatal("expected a failed batch")
	}
	if len(res.Failed) != 1 {
		t.Fatalf("got %d failed batches, want 1", len(res.Failed))
	}
	if f := res.Failed[0]; f.Start != 2 || f.End != 4 {
		t.Errorf("failed range = [%d,%d), want [2,4)", f.Start, f.End)
	}
	for _, i := range []int{0, 1, 4} {
		if res.Vectors[i] == nil {
			t.Errorf("vector %d lost despite its batch succeeding", i)
		}
	}
	for _, i := range []int{2, 3} {
		if res.Vectors[i] != nil {
			t.Errorf("vector %d present despite its batch failing", i)
		}
	}
}

func TestEmbed_TransientFailureRetried(t *testing.T) {
	t.Parallel()

	client := &mockClient{
		dimension: 4,
		failOnce:  map[string]int{"aa": 2},
	}
	gen, err := New(client, Config{Dimension: 4, BatchSize: 8, Retry: quickRetry()}, nil, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := gen.Embed(context.Background(), []string{"aa", "bb"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if !res.Complete() {
		t.Fatalf("expected success after retries, failed: %v", res.Failed)
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3 (two transient failures then success)", client.calls)
	}
}

func TestEmbed_DimensionMismatchFatal(t *testing.T) {
	t.Parallel()

	client := &mockClient{dimension: 8}
	gen, err := New(client, Config{Dimension: 4, BatchSize: 2, Retry: quickRetry()}, nil, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = gen.Embed(context.Background(), []string{"aa", "bb", "cc"})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Embed error = %v, want ErrDimensionMismatch", err)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, mismatch must not be retried", client.calls)
	}
}

func TestEmbed_CostAccounting(t *testing.T) {
	t.Parallel()

	client := &mockClient{dimension: 4}
	gen, err := New(client, Config{
		Dimension:            4,
		BatchSize:            10,
		Retry:                quickRetry(),
		CostPerMillionTokens: 20,
	}, nil, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 400 characters estimate to 100 tokens.
	text := make([]byte, 400)
	for i := range text {
		text[i] = 'x'
	}
	res, err := gen.Embed(context.Background(), []string{string(text)})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if res.Usage.InputTokens != 100 {
		t.Errorf("InputTokens = %d, want 100", res.Usage.InputTokens)
	}
	want := 100.0 / 1_000_000 * 20
	if diff := res.Usage.Cost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("Cost = %g, want %g", res.Usage.Cost, want)
	}
}

func TestBatchError_Unwrap(t *testing.T) {
	t.Parallel()

	inner := &ServiceError{StatusCode: 429, Message: "throttled"}
	be := BatchError{Start: 0, End: 2, Err: fmt.Errorf("embed: %w", inner)}

	var se *ServiceError
	if !errors.As(be, &se) {
		t.Fatal("errors.As failed to reach the service error")
	}
	if se.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want 429", se.StatusCode)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
