package main

import (
	"testing"

	"github.com/busybox42/floodmesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"-keys", "/tmp/k", "-metrics", ":9100", "run", "topo.txt", "LocalHost:5000"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/k", opts.keyDir)
	assert.Equal(t, ":9100", opts.metricsAddr)
	assert.Equal(t, "info", opts.logLevel)
	assert.False(t, opts.useTor)
	assert.Equal(t, "topo.txt", opts.topologyPath)
	assert.Equal(t, types.Identity("localhost:5000"), opts.self)
}

func TestParseArgsErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"run", "topo.txt"},
		{"start", "topo.txt", "localhost:5000"},
		{"run", "topo.txt", "ALL"},
		{"run", "topo.txt", "localhost"},
		{"-nope", "run", "topo.txt", "localhost:5000"},
	} {
		_, err := parseArgs(args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestTorUsageNamesReachableIdentities(t *testing.T) {
	opts, err := parseArgs([]string{"-tor", "run", "topo.txt", "example.org:5000"})
	require.NoError(t, err)
	assert.True(t, opts.useTor)

	assert.Contains(t, torUsage, ".onion")
	assert.Contains(t, torUsage, "loopback")
	assert.Contains(t, torUsage, "changes on every run")
}
