// Package ginpay mounts a payment gateway's tools on a Gin router.
package ginpay

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent402/agentpay/gateway"
)

// Mount registers every tool at POST /tools/<name> behind the gateway,
// plus the catalog at GET /tools and a health probe at GET /healthz.
func Mount(router gin.IRouter, g *gateway.Gateway, tools ...gateway.Tool) {
	catalog := g.Catalog(tools...)
	for _, tool := range tools {
		router.POST("/tools/"+tool.Name(), gin.WrapH(g.Handler(tool)))
	}

	router.GET("/tools", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tools": catalog})
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": string(g.Mode())})
	})
}
