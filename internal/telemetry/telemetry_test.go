package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, otel.GetTextMapPropagator())
}

type collector struct {
	mu    sync.Mutex
	paths map[string]int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.paths[r.URL.Path]++
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *collector) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[path]
}

func TestInitExportsToCollector(t *testing.T) {
	col := &collector{paths: map[string]int{}}
	srv := httptest.NewServer(col)
	defer srv.Close()

	for _, endpoint := range []string{strings.TrimPrefix(srv.URL, "http://"), srv.URL} {
		t.Run(endpoint, func(t *testing.T) {
			ctx := context.Background()
			shutdown, err := Init(ctx, Config{
				Endpoint:       endpoint,
				Insecure:       true,
				ServiceName:    "portal-test",
				Version:        "test",
				BatchTimeout:   10 * time.Millisecond,
				MetricInterval: time.Hour,
			})
			require.NoError(t, err)

			_, span := otel.Tracer("test").Start(ctx, "op")
			span.End()
			counter, err := Meter("test").Int64Counter("portal.test.count")
			require.NoError(t, err)
			counter.Add(ctx, 1, metric.WithAttributes())

			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			require.NoError(t, shutdown(sctx))

			assert.Positive(t, col.count("/v1/traces"))
			assert.Positive(t, col.count("/v1/metrics"))
		})
	}
}
