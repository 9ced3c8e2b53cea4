package ragseed_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbit-rag/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-rag/orbit/internal/ragseed"
)

func TestSeedFile_MetadataMapping(t *testing.T) {
	t.Setenv("RAGSEED_ALLOW_ABSPATHS", "1")
	var captured []map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/collections/coll/points" {
			var payload struct {
				Points []map[string]any `json:"points"`
			}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			captured = payload.Points
			w.WriteHeader(200)
			return
		}
		w.WriteHeader(200)
	}))
	defer ts.Close()
	q := qdrant.New(ts.URL, "")

	dir := t.TempDir()
	p := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
items: []
texts: []
data:
  - text: "Doc A"
    type: "doc"
    section: "intro"
    weight: 2.5
`), 0o600))
	if err := ragseed.SeedFile(context.Background(), q, stubEmbeddings{}, p, "coll"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(captured) != 1 {
		t.Fatalf("want 1 point, got %d", len(captured))
	}
	pt := captured[0]
	pl, _ := pt["payload"].(map[string]any)
	if pl == nil {
		t.Fatalf("missing payload: %v", pt)
	}
	if pl["type"] != "doc" || pl["section"] != "intro" {
		t.Fatalf("missing metadata: %v", pt)
	}
	if _, ok := pl["weight"]; !ok {
		t.Fatalf("missing weight")
	}
}
