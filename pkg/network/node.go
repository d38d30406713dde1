package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/floodmesh/pkg/crypto"
	"github.com/busybox42/floodmesh/pkg/keydir"
	"github.com/busybox42/floodmesh/pkg/metrics"
	"github.com/busybox42/floodmesh/pkg/protocol"
	"github.com/busybox42/floodmesh/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Node is one member of the overlay. It accepts one line per inbound
// connection, consumes envelopes addressed to it and floods the rest to
// every neighbor not yet on the envelope's path.
type Node struct {
	self       types.Identity
	listenAddr string
	neighbors  []types.Identity
	keys       *crypto.KeyPair
	dir        *keydir.Directory
	dialer     proxy.Dialer
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	onDelivery DeliveryHandler

	mu         sync.Mutex
	listener   net.Listener
	started    bool
	closed     atomic.Bool
	acceptDone chan struct{}
	handlers   sync.WaitGroup
	results    chan connResult
	sinkDone   chan struct{}
}

func NewNode(config *Config) (*Node, error) {
	if config.Self.IsBroadcast() || !config.Self.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidIdentity, config.Self)
	}
	if config.KeyPair == nil {
		return nil, errors.New("node key pair is required")
	}

	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("node", config.Self)

	dir := config.Directory
	if dir == nil {
		dir = keydir.New(nil, log)
	}
	if err := dir.Bind(config.Self, config.KeyPair.Public); err != nil {
		return nil, fmt.Errorf("failed to bind own key: %w", err)
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = defaultDialer()
	}

	listenAddr := config.ListenAddr
	if listenAddr == "" {
		listenAddr = config.Self.Addr()
	}

	neighbors := make([]types.Identity, 0, len(config.Neighbors))
	for _, nb := range config.Neighbors {
		if nb == config.Self || nb.IsBroadcast() || types.Contains(neighbors, nb) {
			continue
		}
		neighbors = append(neighbors, nb)
	}

	return &Node{
		self:       config.Self,
		listenAddr: listenAddr,
		listener:   config.Listener,
		neighbors:  neighbors,
		keys:       config.KeyPair,
		dir:        dir,
		dialer:     dialer,
		metrics:    config.Metrics,
		log:        log,
		onDelivery: config.OnDelivery,
	}, nil
}

func (n *Node) Self() types.Identity {
	return n.self
}

func (n *Node) Neighbors() []types.Identity {
	return append([]types.Identity(nil), n.neighbors...)
}

func (n *Node) Directory() *keydir.Directory {
	return n.dir
}

func (n *Node) PublicKey() string {
	encoded, _ := crypto.EncodePublicKey(n.keys.Public)
	return encoded
}

// Addr returns the bound listener address, or nil before Start.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil || !n.started {
		return nil
	}
	return n.listener.Addr()
}

// Start binds the listener and runs the accept loop in the background.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed.Load() {
		return ErrNodeStopped
	}
	if n.started {
		return errors.New("node already started")
	}

	if n.listener == nil {
		l, err := net.Listen("tcp", n.listenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.listenAddr, err)
		}
		n.listener = l
	}

	n.started = true
	n.acceptDone = make(chan struct{})
	n.results = make(chan connResult, 64)
	n.sinkDone = make(chan struct{})

	go n.reportLoop()
	go n.acceptLoop(n.listener)

	n.log.WithFields(logrus.Fields{
		"addr":      n.listener.Addr().String(),
		"neighbors": len(n.neighbors),
	}).Info("Node listening")
	return nil
}

// Stop closes the listener and waits for in-flight connections to finish.
func (n *Node) Stop() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}

	n.mu.Lock()
	started := n.started
	l := n.listener
	n.mu.Unlock()

	if l == nil {
		return nil
	}
	err := l.Close()
	if !started {
		return err
	}

	<-n.acceptDone
	n.handlers.Wait()
	close(n.results)
	<-n.sinkDone

	n.log.Info("Node stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (n *Node) acceptLoop(l net.Listener) {
	defer close(n.acceptDone)

	for {
		conn, err := l.Accept()
		if err != nil {
			if n.closed.Load() {
				return
			}
			n.log.WithError(err).Warn("Failed to accept connection")
			time.Sleep(acceptBackoff)
			continue
		}

		n.handlers.Add(1)
		go func() {
			defer n.handlers.Done()
			n.results <- n.handleConnection(conn)
		}()
	}
}

// reportLoop is the single sink for connection outcomes.
func (n *Node) reportLoop() {
	defer close(n.sinkDone)

	for res := range n.results {
		entry := n.log.WithFields(logrus.Fields{
			"remote": res.remote,
			"kind":   res.kind.String(),
		})
		if res.env != nil {
			entry = entry.WithFields(logrus.Fields{
				"origin":      res.env.Origin,
				"destination": res.env.Destination,
				"path":        res.env.Path,
			})
		}
		if res.err != nil {
			entry.WithError(res.err).Warn("Connection handled with errors")
			continue
		}
		entry.Debug("Connection handled")
	}
}

func (n *Node) handleConnection(conn net.Conn) connResult {
	defer conn.Close()
	res := connResult{remote: conn.RemoteAddr().String()}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := readLine(conn)
	if err != nil {
		n.metrics.IncDropped(metrics.ReasonRead)
		res.err = fmt.Errorf("read failed: %w", err)
		return res
	}

	if line == protocol.DiscoveryRequest {
		res.kind = connDiscovery
		res.err = n.serveDiscovery(conn)
		return res
	}

	res.kind = connEnvelope
	n.metrics.IncReceived()
	env, err := protocol.Decode(line)
	if err != nil {
		n.metrics.IncDropped(metrics.ReasonMalformed)
		res.err = err
		return res
	}
	res.env = env
	res.err = n.route(context.Background(), env)
	return res
}

func (n *Node) serveDiscovery(conn net.Conn) error {
	encoded, err := crypto.EncodePublicKey(n.keys.Public)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(encoded + "\n")); err != nil {
		return fmt.Errorf("failed to answer discovery: %w", err)
	}
	return nil
}

// route applies the per-envelope algorithm: record this hop, consume when
// addressed here or to everyone, and flood onwards otherwise or for
// broadcasts.
func (n *Node) route(ctx context.Context, env *protocol.Envelope) error {
	env.AppendHop(n.self)

	var errs []error
	if env.Destination == n.self || env.Destination.IsBroadcast() {
		delivery, err := n.consume(ctx, env)
		if err != nil {
			errs = append(errs, fmt.Errorf("consume: %w", err))
		}
		if delivery != nil {
			if !delivery.SignatureValid {
				errs = append(errs, fmt.Errorf("from %s: %w", env.Origin, ErrSignatureInvalid))
			}
			n.deliver(delivery)
		}
		if !env.Destination.IsBroadcast() {
			return errors.Join(errs...)
		}
	}

	line, err := protocol.Encode(env)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, nb := range n.neighbors {
		if env.Visited(nb) {
			continue
		}
		if err := n.send(ctx, nb, line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// consume unwraps, verifies and decrypts env. A signature that cannot be
// verified still yields a Delivery, flagged invalid.
func (n *Node) consume(ctx context.Context, env *protocol.Envelope) (*Delivery, error) {
	wrapped, ok := env.KeyFor(n.self)
	if !ok {
		return nil, fmt.Errorf("%w: no session key for %s", crypto.ErrUnwrap, n.self)
	}
	key, err := crypto.UnwrapKey(wrapped, n.keys.Private)
	if err != nil {
		return nil, err
	}

	valid := false
	pub, err := n.resolve(ctx, env.Origin)
	if err != nil {
		n.log.WithError(err).WithField("origin", env.Origin).Warn("Cannot verify signature without origin key")
	} else {
		valid = crypto.Verify(env.Ciphertext, env.Signature, pub)
	}

	plaintext, err := crypto.Decrypt(env.Ciphertext, env.IV, key)
	if err != nil {
		return nil, err
	}

	return &Delivery{
		Origin:         env.Origin,
		Destination:    env.Destination,
		Content:        plaintext,
		SignatureValid: valid,
		Path:           append([]types.Identity(nil), env.Path...),
		ReceivedAt:     time.Now(),
	}, nil
}

func (n *Node) deliver(d *Delivery) {
	n.metrics.IncDelivered()
	if n.onDelivery != nil {
		n.onDelivery(d)
	}
}

func (n *Node) resolve(ctx context.Context, id types.Identity) (*rsa.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	return n.dir.Resolve(ctx, id, n)
}

// Resolve returns id's key, discovering it when it is not known yet.
func (n *Node) Resolve(ctx context.Context, id types.Identity) (*rsa.PublicKey, error) {
	return n.resolve(ctx, id)
}

func (n *Node) send(ctx context.Context, target types.Identity, line string) error {
	err := NewPeer(target, n.dialer).Send(ctx, line)
	if err != nil {
		n.metrics.IncSendFailure()
		return err
	}
	n.metrics.IncForwarded()
	n.log.WithField("target", target).Debug("Envelope sent")
	return nil
}

// FetchPublicKey implements keydir.Fetcher over a direct connection.
func (n *Node) FetchPublicKey(ctx context.Context, id types.Identity) (*rsa.PublicKey, error) {
	pub, err := NewPeer(id, n.dialer).FetchPublicKey(ctx)
	n.metrics.ObserveDiscovery(err)
	return pub, err
}

// SendInitial originates a message. For a unicast destination the
// destination key is resolved first (discovering it when unknown); if that
// fails nothing is sent. The envelope is then sent directly to the
// destination and flooded to every neighbor. When the destination is itself
// a neighbor the flood already delivers on that link, so the direct copy is
// skipped instead of sending the same line to it twice.
// A broadcast carries a key grant for every identity in the directory and
// is only flooded.
func (n *Node) SendInitial(ctx context.Context, dest types.Identity, payload []byte) (*SendReport, error) {
	if n.closed.Load() {
		return nil, ErrNodeStopped
	}
	if !dest.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidIdentity, dest)
	}
	if dest == n.self {
		return nil, errors.New("cannot send to self")
	}

	env := &protocol.Envelope{
		Origin:      n.self,
		Destination: dest,
		Path:        []types.Identity{n.self},
	}

	var recipientKey *rsa.PublicKey
	if !dest.IsBroadcast() {
		pub, err := n.resolve(ctx, dest)
		if err != nil {
			return nil, err
		}
		recipientKey = pub
	}

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		return nil, err
	}
	if env.Ciphertext, env.IV, err = crypto.Encrypt(payload, key); err != nil {
		return nil, err
	}

	if dest.IsBroadcast() {
		if env.Grants, err = n.broadcastGrants(key); err != nil {
			return nil, err
		}
	} else if env.WrappedKey, err = crypto.WrapKey(key, recipientKey); err != nil {
		return nil, err
	}

	if env.Signature, err = n.keys.Sign(env.Ciphertext); err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	line, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}

	report := &SendReport{Envelope: env}
	if !dest.IsBroadcast() && !types.Contains(n.neighbors, dest) {
		report.record(dest, n.send(ctx, dest, line))
	}
	for _, nb := range n.neighbors {
		report.record(nb, n.send(ctx, nb, line))
	}

	entry := n.log.WithFields(logrus.Fields{
		"destination": dest,
		"reached":     len(report.Reached),
		"failed":      len(report.Failed),
	})
	for target, err := range report.Failed {
		entry.WithField("target", target).WithError(err).Warn("Send failed")
	}
	entry.Info("Message originated")

	return report, nil
}

func (n *Node) broadcastGrants(key crypto.SessionKey) ([]protocol.Grant, error) {
	var grants []protocol.Grant
	for _, id := range n.dir.Known() {
		if id == n.self || !id.Valid() || id.IsBroadcast() {
			continue
		}
		pub, err := n.dir.Lookup(id)
		if err != nil {
			continue
		}
		wrapped, err := crypto.WrapKey(key, pub)
		if err != nil {
			return nil, err
		}
		grants = append(grants, protocol.Grant{Recipient: id, Key: wrapped})
	}
	if len(grants) == 0 {
		n.log.Warn("Broadcast has no known recipients; nobody will be able to read it")
	}
	return grants, nil
}
