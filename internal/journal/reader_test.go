package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineMapsPriorityToSeverity(t *testing.T) {
	line := `{"__REALTIME_TIMESTAMP":"1700000000000000","_HOSTNAME":"host-a","_SYSTEMD_UNIT":"sshd.service","PRIORITY":"3","MESSAGE":"failed password","__CURSOR":"c1"}`
	rec, ok := parseLine(line)
	require.True(t, ok)
	assert.Equal(t, "host-a", rec.Hostname)
	assert.Equal(t, "sshd.service", rec.Unit)
	assert.EqualValues(t, "err", rec.Severity)
	assert.Equal(t, "failed password", rec.Message)
	assert.Equal(t, "c1", rec.Cursor)
	assert.Equal(t, SourceName, rec.Source)
}

func TestParseLineSkipsMalformedJSON(t *testing.T) {
	_, ok := parseLine(`not json`)
	assert.False(t, ok)
}

func TestParseLineDefaultsUnknownPriorityToInfo(t *testing.T) {
	line := `{"__REALTIME_TIMESTAMP":"1700000000000000","PRIORITY":"99","MESSAGE":"m","__CURSOR":"c1"}`
	rec, ok := parseLine(line)
	require.True(t, ok)
	assert.EqualValues(t, "info", rec.Severity)
}

func TestParseLinePassesThroughUnparseableTimestamp(t *testing.T) {
	line := `{"__REALTIME_TIMESTAMP":"not-a-number","PRIORITY":"6","MESSAGE":"m","__CURSOR":"c1"}`
	rec, ok := parseLine(line)
	require.True(t, ok)
	assert.True(t, rec.Timestamp.IsZero(), "unparseable timestamp must not be assigned now()")
}
