package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("requires a model", func(t *testing.T) {
		if _, err := New("", "", 0); err == nil {
			t.Error("empty model accepted")
		}
	})

	t.Run("known model infers dimensions", func(t *testing.T) {
		p, err := New("", "nomic-embed-text", 0)
		if err != nil {
			t.Fatal(err)
		}
		if p.Dimensions() != 768 {
			t.Errorf("dimensions = %d, want 768", p.Dimensions())
		}
	})

	t.Run("tagged model infers from base name", func(t *testing.T) {
		p, err := New("", "mxbai-embed-large:latest", 0)
		if err != nil {
			t.Fatal(err)
		}
		if p.Dimensions() != 1024 {
			t.Errorf("dimensions = %d, want 1024", p.Dimensions())
		}
	})

	t.Run("unknown model needs explicit dimensions", func(t *testing.T) {
		if _, err := New("", "custom-embedder", 0); err == nil {
			t.Error("unknown model without dimensions accepted")
		}
		p, err := New("", "custom-embedder", 512)
		if err != nil {
			t.Fatal(err)
		}
		if p.Dimensions() != 512 {
			t.Errorf("dimensions = %d, want the explicit 512", p.Dimensions())
		}
	})
}

func TestEmbed(t *testing.T) {
	var gotBody embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	p, err := New(srv.URL, "all-minilm", 0)
	if err != nil {
		t.Fatal(err)
	}
	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("vector = %v", vec)
	}
	if gotBody.Model != "all-minilm" || gotBody.Input != "hello" {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1}, {2}}})
	}))
	defer srv.Close()

	p, err := New(srv.URL, "all-minilm", 0)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("length match", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
		if err != nil {
			t.Fatal(err)
		}
		if len(vecs) != 2 {
			t.Errorf("got %d vectors, want 2", len(vecs))
		}
	})

	t.Run("length mismatch is an error", func(t *testing.T) {
		if _, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"}); err == nil {
			t.Error("mismatched embedding count accepted")
		}
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), nil)
		if err != nil || vecs != nil {
			t.Errorf("got %v, %v", vecs, err)
		}
	})
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(embedResponse{Error: "model not loaded"})
	}))
	defer srv.Close()

	p, err := New(srv.URL, "all-minilm", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Error("server error not surfaced")
	}
}
