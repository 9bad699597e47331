package server

import (
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/relayhub/internal/platform/correlation"
)

const correlationHeader = "X-Correlation-ID"

// correlationMiddleware stamps every request with a correlation ID so log
// lines from the same request can be tied together.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlationHeader)
		if id == "" {
			id = correlation.NewID()
		}

		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlationHeader, id)

		return next(c)
	}
}
