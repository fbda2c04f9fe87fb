package collector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"feature collection", `{"type":"FeatureCollection","features":[{},{}]}`, 2, false},
		{"empty features", `{"features":[]}`, 0, false},
		{"missing features", `{"type":"FeatureCollection"}`, 0, true},
		{"features not a list", `{"features":{}}`, 0, true},
		{"array document", `[1,2,3]`, 0, true},
		{"not json", `nope`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Validate(json.RawMessage(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPayload))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestLatestSink(t *testing.T) {
	s := NewLatestSink()
	ctx := context.Background()

	_, ok := s.Latest()
	assert.False(t, ok)

	require.NoError(t, s.Accept(ctx, Payload{Source: SourceAgent, AgentID: "a1", Body: json.RawMessage(`{"features":[{}]}`)}))
	assert.Error(t, s.Accept(ctx, Payload{Source: SourceDirect, Body: json.RawMessage(`{}`)}))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, "a1", latest.AgentID)
	assert.Equal(t, 1, latest.Features)
	assert.Equal(t, int64(1), s.Accepted())
}
