package api

import (
	"context"
	"fmt"

	"github.com/comfygate/comfygate/api/rest/bind"
	"github.com/comfygate/comfygate/internal/gateway"
	"github.com/comfygate/comfygate/pkg/env"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
)

var server *echo.Echo

// Start launches the gateway's API.
func Start(gw *gateway.Gateway) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// health
	e.GET("/health", Health)

	// metrics
	prometheus.NewPrometheus("comfygate", nil).Use(e)

	// REST
	bind.All(e.Group("/v1"), gw)

	server = e
	return e.Start(fmt.Sprintf(":%v", env.Variables().Port))
}

// Shutdown stops the API server gracefully.
func Shutdown(ctx context.Context) error {
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
