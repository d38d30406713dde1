package topology

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/busybox42/floodmesh/pkg/types"
	"github.com/stretchr/testify/require"
)

const lineTopology = `
# A - B - C
127.0.0.1:5001 127.0.0.1:5002
127.0.0.1:5002 127.0.0.1:5001   127.0.0.1:5003

127.0.0.1:5003 127.0.0.1:5002
`

func TestParse(t *testing.T) {
	topo, err := Parse(strings.NewReader(lineTopology))
	require.NoError(t, err)

	n, ok := topo.Neighbors("127.0.0.1:5002")
	require.True(t, ok)
	require.Equal(t, []types.Identity{"127.0.0.1:5001", "127.0.0.1:5003"}, n)

	require.Equal(t, []types.Identity{"127.0.0.1:5001", "127.0.0.1:5002", "127.0.0.1:5003"}, topo.Nodes())

	_, ok = topo.Neighbors("127.0.0.1:9999")
	require.False(t, ok)
}

func TestParseNormalizesAndDedupes(t *testing.T) {
	topo, err := Parse(strings.NewReader("LocalHost:1 localhost:2 LOCALHOST:2\n"))
	require.NoError(t, err)

	n, ok := topo.Neighbors("localhost:1")
	require.True(t, ok)
	require.Equal(t, []types.Identity{"localhost:2"}, n)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		line int
	}{
		{"bad identity", "127.0.0.1:1 nope\n", 1},
		{"bad port", "\n127.0.0.1:99999\n", 2},
		{"duplicate node", "a:1 b:2\na:1 c:3\n", 2},
		{"self loop", "a:1 a:1\n", 1},
		{"wildcard node", "ALL a:1\n", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.in))
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			require.Equal(t, tt.line, cfgErr.Line)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.txt")
	require.NoError(t, os.WriteFile(path, []byte(lineTopology), 0600))

	topo, err := Load(path)
	require.NoError(t, err)
	require.Len(t, topo.Nodes(), 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
