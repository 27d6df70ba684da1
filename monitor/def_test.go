package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	FramesTotal.Inc()
	BlockSize.Set(13)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "frames_total")
	assert.Contains(t, string(body), "threshold_block_size 13")
}

func TestCheckProcessInfo(t *testing.T) {
	GotPID()
	assert.Equal(t, int32(os.Getpid()), PID.Pid)
	CheckProcessInfo()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "memory_usage_Megabytes")
}
