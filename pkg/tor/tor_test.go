package tor

import (
	"context"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Embedded Tor instances must not overlap.
var torTestMutex sync.Mutex

func requireTor(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Tor test in short mode")
	}
	if _, err := exec.LookPath("tor"); err != nil {
		t.Skip("tor binary not found")
	}
}

func TestFreePort(t *testing.T) {
	port, err := freePort()
	require.NoError(t, err)
	require.Greater(t, port, 0)

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "free port should be bindable")
	l.Close()
}

func TestWaitForSocks5Proxy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()

	require.True(t, waitForSocks5Proxy(addr, time.Second))

	l.Close()
	require.False(t, waitForSocks5Proxy(addr, 300*time.Millisecond))
}

func TestDialerTargetsSocksPort(t *testing.T) {
	m := &Manager{SocksPort: 9050}
	dialer, err := m.Dialer()
	require.NoError(t, err)
	require.NotNil(t, dialer)
}

func TestStartRejectsNonTCPListener(t *testing.T) {
	l, err := net.Listen("unix", t.TempDir()+"/sock")
	require.NoError(t, err)
	defer l.Close()

	_, err = Start(context.Background(), l, nil)
	require.Error(t, err)
}

func TestManagerLifecycle(t *testing.T) {
	requireTor(t)
	torTestMutex.Lock()
	defer torTestMutex.Unlock()

	local, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer local.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	m, err := Start(ctx, local, nil)
	require.NoError(t, err, "Failed to start embedded Tor")
	require.NotEmpty(t, m.OnionAddress)
	require.Contains(t, m.OnionAddress, ".onion")

	dialer, err := m.Dialer()
	require.NoError(t, err)

	conn, err := dialer.Dial("tcp", "check.torproject.org:80")
	if err != nil {
		t.Logf("Tor network not reachable: %v", err)
	} else {
		conn.Close()
	}

	require.NoError(t, m.Close())
}
