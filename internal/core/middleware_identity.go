package core

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"tripbilling/internal/types"
)

// UserIDHeader carries the caller identity resolved by the upstream
// authentication layer (API Gateway authorizer or the app backend).
const UserIDHeader = "X-User-ID"

// AdminTokenHeader carries the operator token for /v1/admin.
const AdminTokenHeader = "X-Admin-Token"

const maxUserIDLength = 128

// UserIdentityMiddleware stores the caller's user id in the context. A
// request without one is rejected with 401.
func UserIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthUserMissing, "missing "+UserIDHeader+" header", nil))
			return
		}
		if len(userID) > maxUserIDLength || strings.ContainsAny(userID, " \t\r\n") {
			Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidUserID, "malformed user id", nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(types.WithUserID(r.Context(), userID)))
	})
}

// RequireUserID returns the caller identity placed by UserIdentityMiddleware.
func RequireUserID(r *http.Request) (string, error) {
	userID, ok := types.GetUserID(r.Context())
	if !ok || userID == "" {
		return "", types.NewAppError(types.ErrCodeAuthUserMissing, "caller identity is missing", nil)
	}
	return userID, nil
}

// AdminTokenMiddleware guards operator endpoints with a shared token. An
// empty configured token disables the routes entirely (404).
func AdminTokenMiddleware(token types.SecretString) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !token.IsSet() {
				http.NotFound(w, r)
				return
			}
			presented := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token.Unmask())) != 1 {
				Error(w, r, types.NewAppError(types.ErrCodeAuthUserMissing, "invalid admin token", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
