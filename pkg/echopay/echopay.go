// Package echopay mounts a payment gateway's tools on an Echo router.
package echopay

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/agent402/agentpay/gateway"
)

// Mount registers every tool at POST /tools/<name> behind the gateway,
// plus the catalog at GET /tools and a health probe at GET /healthz.
func Mount(e *echo.Echo, g *gateway.Gateway, tools ...gateway.Tool) {
	catalog := g.Catalog(tools...)
	for _, tool := range tools {
		e.POST("/tools/"+tool.Name(), echo.WrapHandler(g.Handler(tool)))
	}

	e.GET("/tools", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"tools": catalog})
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "mode": string(g.Mode())})
	})
}
