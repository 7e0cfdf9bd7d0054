package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("CALLPIPE_TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, ParseBoolEnv("CALLPIPE_TEST_BOOL", tt.def))
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Hour},
		{"90s", 90 * time.Second},
		{" 2h ", 2 * time.Hour},
		{"soon", time.Hour},
		{"-5m", time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("CALLPIPE_TEST_DURATION", tt.value)
			assert.Equal(t, tt.want, ParseDurationEnv("CALLPIPE_TEST_DURATION", time.Hour))
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("CALLPIPE_TEST_INT", "3")
	assert.Equal(t, 3, ParseIntEnv("CALLPIPE_TEST_INT", 0))
	t.Setenv("CALLPIPE_TEST_INT", "three")
	assert.Equal(t, 7, ParseIntEnv("CALLPIPE_TEST_INT", 7))
	t.Setenv("CALLPIPE_TEST_INT", "")
	assert.Equal(t, 7, ParseIntEnv("CALLPIPE_TEST_INT", 7))
}
