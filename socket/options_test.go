package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	t.Run("empty uses defaults", func(t *testing.T) {
		o, err := ParseOptions(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultOptions(), o)
	})

	t.Run("overrides", func(t *testing.T) {
		o, err := ParseOptions(map[string]any{
			"keepAlive":          false,
			"keepAliveTime":      5.0,
			"keepAliveTolerance": 3,
			"maintainFrequency":  int64(60),
			"revealClients":      false,
		})
		require.NoError(t, err)
		assert.Equal(t, Options{
			KeepAlive:          false,
			KeepAliveTime:      5,
			KeepAliveTolerance: 3,
			MaintainFrequency:  60,
			RevealClients:      false,
		}, o)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := ParseOptions(map[string]any{"keepAliveTimeout": 5})
		require.ErrorIs(t, err, ErrUnknownOption)
	})

	invalid := map[string]map[string]any{
		"string bool":       {"keepAlive": "yes"},
		"string seconds":    {"keepAliveTime": "5"},
		"fractional":        {"keepAliveTolerance": 1.5},
		"negative":          {"maintainFrequency": -1},
		"numeric bool":      {"revealClients": 1},
		"null seconds":      {"keepAliveTime": nil},
		"negative as float": {"keepAliveTime": -3.0},
	}
	for name, m := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOptions(m)
			require.ErrorIs(t, err, ErrInvalidOption)
		})
	}
}

func TestLogTTLCoversLease(t *testing.T) {
	o := Options{KeepAliveTime: 5, KeepAliveTolerance: 30, MaintainFrequency: 20}
	assert.Equal(t, int64(35), o.logTTL())
	o.MaintainFrequency = 60
	assert.Equal(t, int64(60), o.logTTL())
}
