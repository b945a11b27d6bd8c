package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// RequireTenant extracts the X-Tenant-ID header and stores it in the request
// context. Requests without a tenant are rejected before reaching handlers so
// downstream reads are always tenant-scoped.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			writeTenantError(r.Context(), w)
			return
		}

		ctx := context.WithValue(r.Context(), TenantKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetTenant(ctx context.Context) string {
	if t, ok := ctx.Value(TenantKey).(string); ok {
		return t
	}
	return ""
}

func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, TenantKey, tenant)
}

func writeTenantError(ctx context.Context, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    "VALIDATION_ERROR",
			"message": "X-Tenant-ID header is required",
		},
		"correlationId": GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
