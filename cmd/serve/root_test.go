package serve

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ValentinKolb/dStripe/lib/common"
	"github.com/ValentinKolb/dStripe/lib/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestRouter(t *testing.T) {
	cc := common.DefaultClientConfig()
	cc.Name = "srv"
	s, err := sim.New(common.DefaultSimConfig(), cc)
	require.NoError(t, err)
	h := newRouter(s)

	code, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	code, body = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `dstripe_lov_top_teardowns_total{client="srv-0"} 0`)
	assert.Contains(t, body, `dstripe_lov_top_teardowns_total{client="srv-1"} 0`)

	code, body = get(t, h, "/locks")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "client srv-0: 0 top-locks, 0 sub-locks")

	code, body = get(t, h, "/stats")
	assert.Equal(t, http.StatusOK, code)
	var stats struct {
		Progress sim.Result                  `json:"progress"`
		Clients  map[string]map[string]int64 `json:"clients"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Contains(t, stats.Clients, "srv-1")
	assert.Zero(t, stats.Progress.Ops)

	code, _ = get(t, h, "/nope")
	assert.Equal(t, http.StatusNotFound, code)
}
