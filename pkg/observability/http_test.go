package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMetricsServer_Endpoints(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", zap.NewNop(), nil)
	handler := ms.Handler()

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/health", http.StatusOK, "OK"},
		{"/ready", http.StatusOK, "READY"},
		{"/metrics", http.StatusOK, "go_goroutines"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestMetricsServer_NotReady(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", zap.NewNop(), func(ctx context.Context) error {
		return errors.New("store unreachable")
	})

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store unreachable")
}

func TestMetricsServer_StartStop(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", zap.NewNop(), nil)
	if err := ms.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := ms.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
