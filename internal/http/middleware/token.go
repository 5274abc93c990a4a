package middleware

import (
	"context"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const ctxUserID = "user_id"

type TokenResolver interface {
	UserByToken(ctx context.Context, token string) (string, error)
}

// UserIDFromCtx returns the user set by TokenMiddleware.
func UserIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxUserID).(string)
	return id, ok && id != ""
}

// TokenMiddleware authenticates end users by access token, taken from
// "Authorization: Bearer <token>" or the "token" query parameter (browsers
// cannot set headers on a websocket upgrade).
func TokenMiddleware(tokens TokenResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := bearer(c.Request().Header.Get(echo.HeaderAuthorization))
			if tok == "" {
				tok = strings.TrimSpace(c.QueryParam("token"))
			}
			if tok == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing token"})
			}
			uid, err := tokens.UserByToken(c.Request().Context(), tok)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if uid == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}
			c.Set(ctxUserID, uid)
			return next(c)
		}
	}
}

func bearer(h string) string {
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
