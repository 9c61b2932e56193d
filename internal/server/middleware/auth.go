package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// AuthMiddleware accepts "Authorization: Bearer <API key>" and attributes
// the request to the configured agent. Without an API key the check is
// skipped.
func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return bearerKey(attribute(next))
}

var bearerKey = echomw.KeyAuthWithConfig(echomw.KeyAuthConfig{
	KeyLookup:  "header:" + echo.HeaderAuthorization,
	AuthScheme: "Bearer",
	Skipper: func(c echo.Context) bool {
		return c.(*AppContext).App.APIKey == ""
	},
	Validator: func(key string, c echo.Context) (bool, error) {
		want := c.(*AppContext).App.APIKey
		return subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1, nil
	},
	ErrorHandler: func(err error, c echo.Context) error {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	},
})

func attribute(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cc := c.(*AppContext)
		cc.User = &AppUser{AgentID: cc.App.AgentID}
		return next(c)
	}
}
