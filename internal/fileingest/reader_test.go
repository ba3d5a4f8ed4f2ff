package fileingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestReadTailsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))

	r := New(logrus.New())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := r.Read(ctx, Options{Path: path, MaxRecords: 2})
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	require.Equal(t, "line one", result.Records[0].Message)
	require.Equal(t, "line two", result.Records[1].Message)
	require.Equal(t, SourceName(path), "file:"+path)
}

func TestReadFailsWhenFileMissing(t *testing.T) {
	r := New(logrus.New())
	_, err := r.Read(context.Background(), Options{Path: filepath.Join(t.TempDir(), "missing.log")})
	require.Error(t, err)
}
