package cmd

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pfeval/internal/clock"
	"grimm.is/pfeval/internal/i18n"
	"grimm.is/pfeval/internal/ratelimit"
)

func TestHandler(t *testing.T) {
	path := writeFile(t, "rules.hcl", testRules)
	_, c, err := LoadRules(path)
	require.NoError(t, err)
	rt, err := NewRuntime(c, RuntimeOptions{Logger: quietLogger()})
	require.NoError(t, err)
	defer rt.Close()

	srv := httptest.NewServer(i18n.Middleware(NewHandler(rt, path)))
	defer srv.Close()

	get := func(t *testing.T, url string, lang string) (int, string) {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, srv.URL+url, nil)
		require.NoError(t, err)
		if lang != "" {
			req.Header.Set("Accept-Language", lang)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	t.Run("eval", func(t *testing.T) {
		code, body := get(t, "/eval?src=192.0.2.7&dst=192.0.2.1&sport=40000&dport=443&flags=S&len=60", "")
		require.Equal(t, http.StatusOK, code)
		var res EvalResult
		require.NoError(t, json.Unmarshal([]byte(body), &res))
		assert.Equal(t, "pass", res.Action)
		assert.Equal(t, "https", res.Label)
		assert.NotEmpty(t, res.State)

		code, _ = get(t, "/eval?src=192.0.2.7", "")
		assert.Equal(t, http.StatusBadRequest, code)
		code, _ = get(t, "/eval?src=192.0.2.7&dst=192.0.2.1&dport=99999", "")
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("states", func(t *testing.T) {
		code, body := get(t, "/states", "")
		require.Equal(t, http.StatusOK, code)
		var states []map[string]any
		require.NoError(t, json.Unmarshal([]byte(body), &states))
		assert.Len(t, states, 1)
	})

	t.Run("rules", func(t *testing.T) {
		code, body := get(t, "/rules", "")
		require.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "Generation 1 committed at")
		assert.Contains(t, body, "States: 1, translations: 0")

		_, body = get(t, "/rules", "de")
		assert.Contains(t, body, "Generation 1 übernommen um")
	})

	t.Run("metrics", func(t *testing.T) {
		code, body := get(t, "/metrics", "")
		require.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "pfeval_rule_evaluations_total")
		assert.Contains(t, body, "pfeval_verdicts_total")
	})

	t.Run("reload", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/reload", "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, uint64(2), rt.Engine.Active().Generation())
		assert.Equal(t, []uint64{1}, rt.Engine.Retired(), "the old generation is kept while its state lives")
	})
}

func TestHandler_EvalLimit(t *testing.T) {
	path := writeFile(t, "rules.hcl", testRules)
	_, c, err := LoadRules(path)
	require.NoError(t, err)
	rt, err := NewRuntime(c, RuntimeOptions{Logger: quietLogger()})
	require.NoError(t, err)
	defer rt.Close()

	limiter := ratelimit.NewLimiter(2, time.Minute, clock.NewMockClock(time.Unix(1700000000, 0)))
	h := NewHandler(rt, "", WithEvalLimiter(limiter))

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/eval?src=192.0.2.7&dst=192.0.2.1&proto=udp&dport=53", nil)
		req.RemoteAddr = "192.0.2.50:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/states", nil)
	req.RemoteAddr = "192.0.2.50:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code, "only /eval is limited")
}
