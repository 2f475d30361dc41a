package cache

import (
	"context"
	"testing"
	"time"
)

type fakeEmbedder struct {
	calls int
	vec   []float32
}

func (f *fakeEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vec, nil
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func TestCachedEmbedder_EmbedSingleCachesRepeatedQuery(t *testing.T) {
	fake := &fakeEmbedder{vec: []float32{1, 2, 3}}
	ce := NewCachedEmbedder(fake, NewEmbeddingCache(time.Minute))

	vec1, err := ce.EmbedSingle(context.Background(), "vad galler for uppsagning?")
	if err != nil {
		t.Fatalf("EmbedSingle: %v", err)
	}
	vec2, err := ce.EmbedSingle(context.Background(), "Vad galler for uppsagning? ")
	if err != nil {
		t.Fatalf("EmbedSingle: %v", err)
	}

	if fake.calls != 1 {
		t.Errorf("underlying calls = %d, want 1 (second call should hit cache)", fake.calls)
	}
	if len(vec1) != 3 || len(vec2) != 3 {
		t.Errorf("unexpected vector lengths: %v %v", vec1, vec2)
	}
}

func TestCachedEmbedder_NilCacheBypasses(t *testing.T) {
	fake := &fakeEmbedder{vec: []float32{1}}
	ce := NewCachedEmbedder(fake, nil)

	if _, err := ce.EmbedSingle(context.Background(), "q"); err != nil {
		t.Fatalf("EmbedSingle: %v", err)
	}
	if _, err := ce.EmbedSingle(context.Background(), "q"); err != nil {
		t.Fatalf("EmbedSingle: %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("underlying calls = %d, want 2 (nil cache disables caching)", fake.calls)
	}
}

func TestCachedEmbedder_EmbedBypassesCache(t *testing.T) {
	fake := &fakeEmbedder{vec: []float32{1, 2}}
	ce := NewCachedEmbedder(fake, NewEmbeddingCache(time.Minute))

	if _, err := ce.Embed(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := ce.Embed(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("underlying calls = %d, want 2 (batch embed never cached)", fake.calls)
	}
}
