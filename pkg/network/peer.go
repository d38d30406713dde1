package network

import (
	"bufio"
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/busybox42/floodmesh/pkg/crypto"
	"github.com/busybox42/floodmesh/pkg/protocol"
	"github.com/busybox42/floodmesh/pkg/types"
	"golang.org/x/net/proxy"
)

// Peer is the outbound side of one overlay connection. Every exchange uses
// a fresh connection that is closed once the line is sent or answered.
type Peer struct {
	ID     types.Identity
	dialer proxy.Dialer
}

func NewPeer(id types.Identity, dialer proxy.Dialer) *Peer {
	if dialer == nil {
		dialer = defaultDialer()
	}
	return &Peer{ID: id, dialer: dialer}
}

func defaultDialer() proxy.Dialer {
	return &net.Dialer{Timeout: connTimeout}
}

func (p *Peer) dial(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if cd, ok := p.dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", p.ID.Addr())
	} else {
		conn, err = p.dialer.Dial("tcp", p.ID.Addr())
	}
	if err != nil {
		return nil, &TransportError{Target: p.ID, Op: "connect", Err: err}
	}
	return conn, nil
}

// Send writes one line to the peer and closes the connection.
func (p *Peer) Send(ctx context.Context, line string) error {
	conn, err := p.dial(ctx, connTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return &TransportError{Target: p.ID, Op: "write", Err: err}
	}
	return nil
}

// FetchPublicKey asks the peer for its public key.
func (p *Peer) FetchPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	conn, err := p.dial(ctx, discoveryTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(discoveryTimeout))
	if _, err := io.WriteString(conn, protocol.DiscoveryRequest+"\n"); err != nil {
		return nil, &TransportError{Target: p.ID, Op: "write", Err: err}
	}

	line, err := readLine(conn)
	if err != nil {
		return nil, &TransportError{Target: p.ID, Op: "read", Err: err}
	}

	pub, err := crypto.ParsePublicKey(line)
	if err != nil {
		return nil, fmt.Errorf("bad key from %s: %w", p.ID, err)
	}
	return pub, nil
}

// readLine reads a single newline-terminated line of at most maxLineSize
// bytes. A final line without a newline is accepted.
func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", io.ErrUnexpectedEOF
}
