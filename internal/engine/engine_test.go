package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fl-sean03/agentgate/internal/model"
)

func TestParseMaxWallClock(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"2h", 2 * time.Hour, false},
		{"30m", 30 * time.Minute, false},
		{"90", 90 * time.Second, false},
		{"not-a-duration", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMaxWallClock(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultGatePlan_GatesSolelyOnVerification(t *testing.T) {
	plan := defaultGatePlan()
	require.Len(t, plan, 1)
	assert.Equal(t, model.GateVerificationLevels, plan[0].Check)
	assert.Equal(t, model.FailureIterate, plan[0].OnFailure.Action)
}
