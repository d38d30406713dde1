package network

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/busybox42/floodmesh/pkg/crypto"
	"github.com/busybox42/floodmesh/pkg/keydir"
	"github.com/busybox42/floodmesh/pkg/metrics"
	"github.com/busybox42/floodmesh/pkg/protocol"
	"github.com/busybox42/floodmesh/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrNodeStopped      = errors.New("node stopped")
)

// Delivery is a message consumed by this node.
type Delivery struct {
	Origin         types.Identity
	Destination    types.Identity
	Content        []byte
	SignatureValid bool
	Path           []types.Identity
	ReceivedAt     time.Time
}

// DeliveryHandler is called once per consumed envelope, from the goroutine
// serving the connection it arrived on.
type DeliveryHandler func(*Delivery)

type Config struct {
	Self types.Identity
	// ListenAddr defaults to Self.
	ListenAddr string
	// Listener, when set, is used instead of binding ListenAddr.
	Listener  net.Listener
	Neighbors []types.Identity
	KeyPair   *crypto.KeyPair
	// Directory defaults to an in-memory directory.
	Directory *keydir.Directory
	// Dialer opens outbound connections; defaults to a direct TCP dialer.
	Dialer     proxy.Dialer
	Metrics    *metrics.Metrics
	Logger     logrus.FieldLogger
	OnDelivery DeliveryHandler
}

// TransportError is a failed connect, read or write against one node.
type TransportError struct {
	Target types.Identity
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SendReport records where an originated envelope was handed off.
type SendReport struct {
	Envelope *protocol.Envelope
	Reached  []types.Identity
	Failed   map[types.Identity]error
}

func (r *SendReport) record(target types.Identity, err error) {
	if err == nil {
		r.Reached = append(r.Reached, target)
		return
	}
	if r.Failed == nil {
		r.Failed = make(map[types.Identity]error)
	}
	r.Failed[target] = err
}

type connKind int

const (
	connUnknown connKind = iota
	connDiscovery
	connEnvelope
)

func (k connKind) String() string {
	switch k {
	case connDiscovery:
		return "discovery"
	case connEnvelope:
		return "envelope"
	default:
		return "unknown"
	}
}

// connResult is what a connection handler reports to the node's log sink.
type connResult struct {
	remote string
	kind   connKind
	env    *protocol.Envelope
	err    error
}
