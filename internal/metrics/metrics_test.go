package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveLLMCall(t *testing.T) {
	before := testutil.ToFloat64(LLMCalls.WithLabelValues("EXTRACT", "SUCCESS"))
	ObserveLLMCall("EXTRACT", "SUCCESS", 1500)
	ObserveLLMCall("EXTRACT", "SUCCESS", 0)
	assert.Equal(t, before+2, testutil.ToFloat64(LLMCalls.WithLabelValues("EXTRACT", "SUCCESS")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ChunkOutcomes.WithLabelValues("CACHED").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `claimledger_stage1_chunks_total{status="CACHED"}`)
}
