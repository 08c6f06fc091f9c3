package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		spec     string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", spec: "*/5 * * * *"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron", spec: "@daily"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", spec: "0 0 * * *"},
		{name: "daily", raw: "at:09:30", kind: SpecCron, source: "daily", spec: "30 9 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute, spec: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second, spec: "@every 45s"},
		{name: "every hhmm", raw: "every:02:00", kind: SpecInterval, source: "hhmm", duration: 2 * time.Hour, spec: "@every 2h0m0s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute, spec: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			assert.Equal(t, tt.spec, got.Spec())
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "every:", "at:24:00", "at:9", "00:00", "01:75"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, err := parseClock("23:15")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 15, m)

	_, _, err = parseClock("24:00")
	assert.Error(t, err)
}
