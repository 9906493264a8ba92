package storage

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, open func() (io.ReadCloser, error)) []byte {
	r, err := open()
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestSpool(t *testing.T) {
	var tt = []struct {
		name      string
		threshold int
		writes    [][]byte
		onDisk    bool
	}{
		{
			name:      "in memory",
			threshold: 64,
			writes:    [][]byte{[]byte("hello "), []byte("world")},
		},
		{
			name:      "spilled to file",
			threshold: 8,
			writes:    [][]byte{[]byte("hello "), []byte("world"), bytes.Repeat([]byte("x"), 100)},
			onDisk:    true,
		},
		{
			name:      "empty",
			threshold: 8,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var dir = t.TempDir()
			spool, err := SpoolFactory{Dir: dir, Threshold: tc.threshold}.NewSpool()
			require.NoError(t, err)

			var expected []byte
			for _, w := range tc.writes {
				_, err = spool.Write(w)
				require.NoError(t, err)
				expected = append(expected, w...)
			}

			source, err := spool.Seal()
			require.NoError(t, err)
			require.Equal(t, int64(len(expected)), source.Size())
			require.Equal(t, tc.onDisk, spool.(*FileBackedSpool).IsOnDisk())

			// readable more than once
			require.Equal(t, string(expected), string(readAll(t, source.Open)))
			require.Equal(t, string(expected), string(readAll(t, source.Open)))

			_, err = spool.Write([]byte("late"))
			require.Error(t, err)

			require.NoError(t, spool.Close())
			files, err := os.ReadDir(dir)
			require.NoError(t, err)
			require.Empty(t, files)

			_, err = source.Open()
			require.Error(t, err)
		})
	}
}
