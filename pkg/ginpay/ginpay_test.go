package ginpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent402/agentpay/chain"
	"github.com/agent402/agentpay/gateway"
	"github.com/agent402/agentpay/oracle"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g, err := gateway.New(gateway.Config{
		Mode:  gateway.ModePayToClaim,
		Chain: chain.NewMemoryChain(),
		Rates: oracle.Fixed(400),
	})
	require.NoError(t, err)
	t.Cleanup(g.Close)

	router := gin.New()
	Mount(router, g,
		gateway.ToolFunc{
			ToolName:        "ping",
			ToolDescription: "health check",
			Fn: func(context.Context, map[string]interface{}) (interface{}, error) {
				return "pong", nil
			},
		},
	)
	return router
}

func TestMountServesCatalogAndHealth(t *testing.T) {
	router := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var catalog struct {
		Tools []gateway.ToolInfo `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	require.Len(t, catalog.Tools, 1)
	assert.Equal(t, "ping", catalog.Tools[0].Name)
	assert.Equal(t, "/tools/ping", catalog.Tools[0].Endpoint)
	assert.Equal(t, "pay-to-claim", catalog.Tools[0].Mode)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMountRoutesToolCalls(t *testing.T) {
	router := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tools/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var result gateway.ToolResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "pong", result.Data)
}
