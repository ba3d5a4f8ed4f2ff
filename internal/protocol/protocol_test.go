package protocol

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleVerb(t *testing.T) {
	req, err := Parse("ping\n")
	require.NoError(t, err)
	assert.Equal(t, "PING", req.Verb)
	assert.Empty(t, req.Positional)
}

func TestParsePositionalArgs(t *testing.T) {
	req, err := Parse("INGEST_JOURNAL 60 500\n")
	require.NoError(t, err)
	assert.Equal(t, "INGEST_JOURNAL", req.Verb)
	assert.Equal(t, []string{"60", "500"}, req.Positional)
}

func TestParseKeyValueArgs(t *testing.T) {
	req, err := Parse(`QUERY_LOGS since=3600 min_severity=err order=asc`)
	require.NoError(t, err)
	v, ok := req.Arg("since")
	require.True(t, ok)
	assert.Equal(t, "3600", v)
	v, ok = req.Arg("min_severity")
	require.True(t, ok)
	assert.Equal(t, "err", v)
}

func TestParseQuotedValueWithEscapes(t *testing.T) {
	req, err := Parse(`QUERY_LOGS contains="failed \"password\" attempt"`)
	require.NoError(t, err)
	v, ok := req.Arg("contains")
	require.True(t, ok)
	assert.Equal(t, `failed "password" attempt`, v)
}

func TestParseUnterminatedQuoteIsBadRequest(t *testing.T) {
	_, err := Parse(`QUERY_LOGS contains="unterminated`)
	require.Error(t, err)
}

func TestParseEmptyLineIsBadRequest(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
}

func TestArgInt64ParsesAndRejectsNonNumeric(t *testing.T) {
	req, err := Parse("QUERY_LOGS since=3600")
	require.NoError(t, err)
	n, ok, err := req.ArgInt64("since")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3600, n)

	req2, err := Parse("QUERY_LOGS since=notanumber")
	require.NoError(t, err)
	_, _, err = req2.ArgInt64("since")
	assert.Error(t, err)
}

func TestReadRequestLineTrimsTerminator(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("PING\r\n"))
	line, err := ReadRequestLine(r)
	require.NoError(t, err)
	assert.Equal(t, "PING", line)
}

func TestWriteOKWithFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteOK(&buf, "inserted=5", "total=5"))
	assert.Equal(t, "OK inserted=5 total=5\n", buf.String())
}

func TestWriteNDJSONOneLinePerRow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNDJSON(&buf, map[string]int{"count": 3}))
	assert.Equal(t, "{\"count\":3}\n", buf.String())
}
