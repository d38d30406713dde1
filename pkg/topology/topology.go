// Package topology reads the static overlay layout: one line per node,
// "<identity> <neighbor1> <neighbor2> ...". Blank lines and lines starting
// with '#' are ignored.
package topology

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/busybox42/floodmesh/pkg/types"
)

// ConfigError reports a malformed topology line.
type ConfigError struct {
	Line int
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("topology line %d: %s", e.Line, e.Msg)
}

type Topology struct {
	neighbors map[types.Identity][]types.Identity
	nodes     []types.Identity
}

// Load parses the topology file at path.
func Load(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open topology: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (*Topology, error) {
	t := &Topology{neighbors: make(map[types.Identity][]types.Identity)}
	seen := make(map[types.Identity]bool)
	note := func(id types.Identity) {
		if !seen[id] {
			seen[id] = true
			t.nodes = append(t.nodes, id)
		}
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		node, err := parseNode(fields[0])
		if err != nil {
			return nil, &ConfigError{Line: lineNo, Msg: err.Error()}
		}
		if _, dup := t.neighbors[node]; dup {
			return nil, &ConfigError{Line: lineNo, Msg: fmt.Sprintf("node %s listed twice", node)}
		}
		note(node)

		neighbors := make([]types.Identity, 0, len(fields)-1)
		for _, f := range fields[1:] {
			n, err := parseNode(f)
			if err != nil {
				return nil, &ConfigError{Line: lineNo, Msg: err.Error()}
			}
			if n == node {
				return nil, &ConfigError{Line: lineNo, Msg: fmt.Sprintf("node %s lists itself", node)}
			}
			if types.Contains(neighbors, n) {
				continue
			}
			neighbors = append(neighbors, n)
			note(n)
		}
		t.neighbors[node] = neighbors
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}

	return t, nil
}

func parseNode(s string) (types.Identity, error) {
	id, err := types.ParseIdentity(s)
	if err != nil {
		return "", err
	}
	if id.IsBroadcast() {
		return "", fmt.Errorf("%s is reserved", s)
	}
	return id, nil
}

// Neighbors returns the neighbor set of id and whether id has a line of its
// own.
func (t *Topology) Neighbors(id types.Identity) ([]types.Identity, bool) {
	n, ok := t.neighbors[id]
	return append([]types.Identity(nil), n...), ok
}

// Nodes returns every identity mentioned, in file order.
func (t *Topology) Nodes() []types.Identity {
	return append([]types.Identity(nil), t.nodes...)
}
