package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const ctxClientID = "client_id"

// ClientIDFromCtx returns the caller identity set by APIKeyMiddleware.
func ClientIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxClientID).(string)
	return id, ok && id != ""
}

// APIKeyMiddleware authenticates service callers using the X-API-Key header
// against the configured keys. The client id stored in the context is a short
// digest of the key, never the key itself.
func APIKeyMiddleware(keys []string) echo.MiddlewareFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			if !matchKey(allowed, []byte(key)) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			sum := sha256.Sum256([]byte(key))
			c.Set(ctxClientID, hex.EncodeToString(sum[:8]))
			return next(c)
		}
	}
}

func matchKey(allowed [][]byte, key []byte) bool {
	ok := 0
	for _, a := range allowed {
		ok |= subtle.ConstantTimeCompare(a, key)
	}
	return ok == 1
}
