package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	maxStartAttempts = 3
	socksWaitTimeout = 10 * time.Second
	bootstrapTimeout = 3 * time.Minute
)

// Manager owns an embedded Tor process, the onion service that fronts the
// node's listener and the SOCKS5 port used for outbound sends.
type Manager struct {
	OnionAddress string
	SocksPort    int

	instance *tor.Tor
	service  *tor.OnionService
	dataDir  string
	log      logrus.FieldLogger
}

// Start launches Tor and publishes a v3 onion service backed by local. The
// service exposes the same port local is bound to.
func Start(ctx context.Context, local net.Listener, log logrus.FieldLogger) (*Manager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "tor")

	tcpAddr, ok := local.Addr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("onion service needs a TCP listener, got %s", local.Addr())
	}

	var lastErr error
	for attempt := 1; attempt <= maxStartAttempts; attempt++ {
		m, err := start(ctx, local, tcpAddr.Port, log)
		if err == nil {
			return m, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("Tor start attempt failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to start Tor after %d attempts: %w", maxStartAttempts, lastErr)
}

func start(ctx context.Context, local net.Listener, port int, log logrus.FieldLogger) (*Manager, error) {
	socksPort, err := freePort()
	if err != nil {
		return nil, err
	}

	dataDir, err := os.MkdirTemp("", "floodmesh-tor-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create Tor data directory: %w", err)
	}

	log.WithField("socks_port", socksPort).Info("Starting embedded Tor")
	t, err := tor.Start(ctx, &tor.StartConf{
		DataDir:   dataDir,
		ExtraArgs: []string{"--SocksPort", strconv.Itoa(socksPort)},
	})
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, err
	}

	fail := func(err error) (*Manager, error) {
		t.Close()
		os.RemoveAll(dataDir)
		return nil, err
	}

	bootCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	if err := t.EnableNetwork(bootCtx, true); err != nil {
		return fail(fmt.Errorf("could not enable network: %w", err))
	}

	socksAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort))
	if !waitForSocks5Proxy(socksAddr, socksWaitTimeout) {
		return fail(fmt.Errorf("SOCKS5 proxy did not come up on %s", socksAddr))
	}

	hs, err := t.Listen(bootCtx, &tor.ListenConf{
		LocalListener: local,
		RemotePorts:   []int{port},
		Version3:      true,
	})
	if err != nil {
		return fail(fmt.Errorf("could not create onion service: %w", err))
	}

	m := &Manager{
		OnionAddress: hs.ID + ".onion",
		SocksPort:    socksPort,
		instance:     t,
		service:      hs,
		dataDir:      dataDir,
		log:          log,
	}
	log.WithField("onion", m.OnionAddress).Info("Onion service published")
	return m, nil
}

// Dialer returns a SOCKS5 dialer that routes through this Tor instance.
func (m *Manager) Dialer() (proxy.Dialer, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(m.SocksPort))
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return dialer, nil
}

// Close stops Tor and removes its data directory. The listener backing the
// onion service stays owned by the caller.
func (m *Manager) Close() error {
	var errs []error
	if m.instance != nil {
		if m.service != nil {
			if err := m.instance.Control.DelOnion(m.service.ID); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.instance.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.dataDir != "" {
		if err := os.RemoveAll(m.dataDir); err != nil {
			errs = append(errs, err)
		}
	}
	if m.log != nil {
		m.log.Info("Tor stopped")
	}
	return errors.Join(errs...)
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to pick SOCKS port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitForSocks5Proxy(address string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}
