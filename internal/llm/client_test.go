package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthward/famulus/internal/resilience"
)

func fastRetry() Option {
	return WithRetry(resilience.RetryConfig{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	})
}

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("stream = true, want false")
		}
		if req.Model != "llama3.1:8b" {
			t.Errorf("model = %q", req.Model)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "Hello there.", Done: true})
	}))
	defer srv.Close()

	c := New(srv.URL, fastRetry())
	got, err := c.Generate(context.Background(), GenerateRequest{
		Model:  "llama3.1:8b",
		Prompt: "Say hello",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Hello there." {
		t.Errorf("response = %q", got)
	}
}

func TestGenerate_EmptyResponseIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			json.NewEncoder(w).Encode(generateResponse{Response: "   ", Done: true})
			return
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "third time lucky", Done: true})
	}))
	defer srv.Close()

	c := New(srv.URL, fastRetry())
	got, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "third time lucky" {
		t.Errorf("response = %q", got)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3 (blank completions are re-prompted)", calls.Load())
	}
}

func TestGenerate_PersistentlyEmptyResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(generateResponse{Response: "", Done: true})
	}))
	defer srv.Close()

	c := New(srv.URL, fastRetry())
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
	if c.BreakerState() != resilience.StateClosed {
		t.Errorf("breaker = %v, want closed (empty response is not a server fault)", c.BreakerState())
	}
}

func TestGenerate_RetriesTransientServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "ok", Done: true})
	}))
	defer srv.Close()

	c := New(srv.URL, fastRetry())
	got, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "ok" {
		t.Errorf("response = %q", got)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
}

func TestGenerate_BadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, fastRetry())
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "ghost", Prompt: "p"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1 (4xx is permanent)", calls.Load())
	}
}

func TestGenerate_UnreachableServer(t *testing.T) {
	c := New("http://127.0.0.1:1", fastRetry())
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "p"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestGenerate_VisionImagesEncoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Images) != 1 || req.Images[0] != "AQID" { // base64 of 0x01 0x02 0x03
			t.Errorf("images = %v", req.Images)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "a cat", Done: true})
	}))
	defer srv.Close()

	c := New(srv.URL, fastRetry())
	got, err := c.Generate(context.Background(), GenerateRequest{
		Model:  "llava",
		Prompt: "describe",
		Images: [][]byte{{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "a cat" {
		t.Errorf("response = %q", got)
	}
}

func TestEmbed_CacheHitSkipsServer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(embeddingsResponse{Embedding: []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	c := New(srv.URL, fastRetry())
	ctx := context.Background()

	v1, err := c.Embed(ctx, "nomic-embed-text", "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := c.Embed(ctx, "nomic-embed-text", "hello world")
	if err != nil {
		t.Fatalf("Embed (cached): %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
	if len(v1) != 2 || v1[0] != v2[0] || v1[1] != v2[1] {
		t.Errorf("cached vector differs: %v vs %v", v1, v2)
	}

	// Different model misses the cache.
	if _, err := c.Embed(ctx, "mxbai-embed-large", "hello world"); err != nil {
		t.Fatalf("Embed (other model): %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server calls = %d, want 2", calls.Load())
	}
}

func TestEmbedCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := newEmbedCache(3)
	for i := 0; i < 5; i++ {
		cache.put("m", fmt.Sprintf("text-%d", i), []float32{float32(i)})
	}
	if cache.len() != 3 {
		t.Fatalf("len = %d, want 3", cache.len())
	}
	if _, ok := cache.get("m", "text-0"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := cache.get("m", "text-4"); !ok {
		t.Error("newest entry missing")
	}
}
