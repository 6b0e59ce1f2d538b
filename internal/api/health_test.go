package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/turnkeeper/internal/store/storetest"
)

type downRepo struct {
	*storetest.Memory
}

func (downRepo) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		handler  *HealthHandler
		wantCode int
		wantDB   string
	}{
		{"healthy", NewHealthHandler(storetest.NewMemory(), nil), http.StatusOK, "ok"},
		{"degraded", NewHealthHandler(downRepo{storetest.NewMemory()}, nil), http.StatusServiceUnavailable, "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			tt.handler.RegisterHealth(r)
			w := httptest.NewRecorder()

			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			require.Equal(t, tt.wantCode, w.Code)
			body := decode[map[string]any](t, w)
			checks, ok := body["checks"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.wantDB, checks["database"])
		})
	}
}
