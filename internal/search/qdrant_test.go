package search

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{name: "cloud REST port maps to gRPC", rawURL: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "gRPC port kept", rawURL: "https://xyz.cloud.qdrant.io:6334", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "local http", rawURL: "http://localhost:6333", host: "localhost", port: 6334},
		{name: "no port", rawURL: "http://qdrant.internal", host: "qdrant.internal", port: 6334},
		{name: "custom port", rawURL: "https://qdrant.example.com:9334", host: "qdrant.example.com", port: 9334, tls: true},
		{name: "empty", rawURL: "", wantErr: true},
		{name: "no scheme", rawURL: "localhost:6333", wantErr: true},
		{name: "bad port", rawURL: "http://localhost:abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, endpoint{host: tt.host, port: tt.port, tls: tt.tls}, ep)
		})
	}
}

// newUnreachableIndex points at a port with no server. gRPC connects
// lazily, so construction succeeds and RPCs fail.
func newUnreachableIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16334",
		Collection: "chunks_test",
		Dims:       3,
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestNewQdrantIndex(t *testing.T) {
	idx := newUnreachableIndex(t)
	assert.Equal(t, "chunks_test", idx.collection)
	assert.Equal(t, uint64(3), idx.dims)

	_, err := NewQdrantIndex(QdrantConfig{URL: "", Collection: "c"}, discardLogger())
	require.ErrorContains(t, err, "invalid qdrant URL")

	_, err = NewQdrantIndex(QdrantConfig{URL: "http://localhost:6333"}, discardLogger())
	require.ErrorContains(t, err, "collection is required")
}

func TestUpsertEmptyIsNoop(t *testing.T) {
	idx := newUnreachableIndex(t)
	require.NoError(t, idx.Upsert(context.Background(), nil))
}

func TestHealthyCachesFailure(t *testing.T) {
	idx := newUnreachableIndex(t)

	err := idx.Healthy(context.Background())
	require.ErrorContains(t, err, "qdrant unhealthy")
	first := idx.health.at

	// Inside the cache window the stored result is returned without a new check.
	require.Error(t, idx.Healthy(context.Background()))
	assert.Equal(t, first, idx.health.at)
}

var (
	_ Searcher = (*QdrantIndex)(nil)
	_ Index    = (*QdrantIndex)(nil)
)
