package health

import (
	"context"
	"errors"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/slog"
)

func TestHandler_healthCheck(t *testing.T) {
	tests := []struct {
		name            string
		probe           Probe
		expectedStatus  string
		expectedStorage string
	}{
		{
			name:            "health check returns OK",
			expectedStatus:  "OK",
			expectedStorage: "OK",
		},
		{
			name:            "reachable storage",
			probe:           func(context.Context) error { return nil },
			expectedStatus:  "OK",
			expectedStorage: "OK",
		},
		{
			name:            "unreachable storage degrades status",
			probe:           func(context.Context) error { return errors.New("connection refused") },
			expectedStatus:  "DEGRADED",
			expectedStorage: "UNAVAILABLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			handler := NewHandler(slog.Default(), tt.probe, huma.Middlewares{})

			// Act
			output, err := handler.healthCheck(context.Background(), &Input{})

			// Assert
			assert.NoError(t, err)
			assert.NotNil(t, output)
			assert.Equal(t, tt.expectedStatus, output.Body.Status)
			assert.Equal(t, tt.expectedStorage, output.Body.Storage)
		})
	}
}

func TestNewHandler(t *testing.T) {
	// Arrange
	log := slog.Default()
	middleware := huma.Middlewares{}

	// Act
	handler := NewHandler(log, nil, middleware)

	// Assert
	assert.NotNil(t, handler)
	assert.NotNil(t, handler.log)
	assert.NotNil(t, handler.middleware)
}
