// Package server assembles a running overlay node from its parts: key pair,
// key directory, metrics, optional Tor transport and the node itself.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/busybox42/floodmesh/internal/store"
	"github.com/busybox42/floodmesh/pkg/crypto"
	"github.com/busybox42/floodmesh/pkg/keydir"
	"github.com/busybox42/floodmesh/pkg/metrics"
	"github.com/busybox42/floodmesh/pkg/network"
	"github.com/busybox42/floodmesh/pkg/tor"
	"github.com/busybox42/floodmesh/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	metricsNamespace  = "floodmesh"
	discoveryParallel = 8
	shutdownTimeout   = 5 * time.Second
)

type Config struct {
	Self      types.Identity
	Neighbors []types.Identity
	// Nodes is every identity the topology names; broadcasts try to learn
	// their keys before sending.
	Nodes []types.Identity
	// KeyDir holds peers' <identity>.pub files and this node's key pair.
	// Empty keeps keys in memory only and generates a pair per run.
	KeyDir      string
	MetricsAddr string
	UseTor      bool

	// Optional. A nil KeyPair is loaded from KeyDir or generated; a nil
	// Listener binds Self.
	KeyPair    *crypto.KeyPair
	Listener   net.Listener
	Logger     logrus.FieldLogger
	OnDelivery network.DeliveryHandler
}

type Server struct {
	config  *Config
	log     logrus.FieldLogger
	keys    *crypto.KeyPair
	files   *store.File
	dir     *keydir.Directory
	metrics *metrics.Metrics
	node    *network.Node
	tor     *tor.Manager

	httpServer  *http.Server
	metricsAddr net.Addr
	group       errgroup.Group

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds and starts a server. On error everything already started is
// torn down again.
func New(ctx context.Context, config *Config) (*Server, error) {
	if !config.Self.Valid() || config.Self.IsBroadcast() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidIdentity, config.Self)
	}

	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	srv := &Server{
		config:  config,
		log:     log.WithField("self", config.Self),
		metrics: metrics.New(metricsNamespace),
	}

	if err := srv.initializeDirectory(); err != nil {
		return nil, fmt.Errorf("failed to initialize key directory: %w", err)
	}
	if err := srv.initializeKeys(); err != nil {
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}
	if err := srv.initializeNetwork(ctx); err != nil {
		srv.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize network: %w", err)
	}
	if err := srv.initializeMetrics(); err != nil {
		srv.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	srv.log.Info("Server initialized successfully")
	return srv, nil
}

// initializeKeys loads the node's pair from the key directory, generating
// and saving one on first run. Peers that cached our public key keep
// working across restarts.
func (srv *Server) initializeKeys() error {
	if srv.config.KeyPair != nil {
		srv.keys = srv.config.KeyPair
		return nil
	}

	self := srv.config.Self
	if srv.files != nil {
		raw, err := srv.files.GetPrivate(self)
		switch {
		case err == nil:
			kp, err := crypto.ParseKeyPair(string(raw))
			if err != nil {
				return fmt.Errorf("stored key for %s: %w", self, err)
			}
			srv.log.Info("Loaded existing keys")
			srv.keys = kp
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	srv.log.Info("Generating new keys")
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if srv.files != nil {
		encoded, err := crypto.EncodePrivateKey(kp.Private)
		if err != nil {
			return err
		}
		if err := srv.files.PutPrivate(self, []byte(encoded)); err != nil {
			return err
		}
	}
	srv.keys = kp
	return nil
}

func (srv *Server) initializeDirectory() error {
	var s keydir.Store
	if srv.config.KeyDir != "" {
		files, err := store.NewFile(srv.config.KeyDir)
		if err != nil {
			return err
		}
		srv.log.WithField("dir", files.Dir()).Info("Using on-disk key store")
		srv.files = files
		s = files
	} else {
		s = store.NewLocal()
	}
	srv.dir = keydir.New(s, srv.log)
	return nil
}

func (srv *Server) initializeNetwork(ctx context.Context) error {
	listener := srv.config.Listener
	if listener == nil {
		l, err := net.Listen("tcp", srv.config.Self.Addr())
		if err != nil {
			return err
		}
		listener = l
	}

	nodeConfig := &network.Config{
		Self:       srv.config.Self,
		Listener:   listener,
		Neighbors:  srv.config.Neighbors,
		KeyPair:    srv.keys,
		Directory:  srv.dir,
		Metrics:    srv.metrics,
		Logger:     srv.log,
		OnDelivery: srv.config.OnDelivery,
	}

	if srv.config.UseTor {
		m, err := tor.Start(ctx, listener, srv.log)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to start Tor: %w", err)
		}
		srv.tor = m
		dialer, err := m.Dialer()
		if err != nil {
			listener.Close()
			return err
		}
		nodeConfig.Dialer = dialer
		srv.log.WithField("onion", m.OnionAddress).Info("Outbound traffic routed through Tor")
	}

	node, err := network.NewNode(nodeConfig)
	if err != nil {
		listener.Close()
		return err
	}
	srv.node = node
	return node.Start()
}

func (srv *Server) initializeMetrics() error {
	if srv.config.MetricsAddr == "" {
		return nil
	}
	l, err := net.Listen("tcp", srv.config.MetricsAddr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.metrics.Handler())
	srv.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srv.metricsAddr = l.Addr()

	srv.group.Go(func() error {
		if err := srv.httpServer.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	srv.log.WithField("addr", l.Addr().String()).Info("Serving metrics")
	return nil
}

func (srv *Server) Self() types.Identity {
	return srv.config.Self
}

func (srv *Server) Node() *network.Node {
	return srv.node
}

func (srv *Server) Metrics() *metrics.Metrics {
	return srv.metrics
}

// MetricsAddr is the bound metrics address, or nil when metrics are off.
func (srv *Server) MetricsAddr() net.Addr {
	return srv.metricsAddr
}

func (srv *Server) OnionAddress() string {
	if srv.tor == nil {
		return ""
	}
	return srv.tor.OnionAddress
}

// Send originates a unicast message.
func (srv *Server) Send(ctx context.Context, dest types.Identity, payload []byte) (*network.SendReport, error) {
	if dest.IsBroadcast() {
		return srv.Broadcast(ctx, payload)
	}
	return srv.node.SendInitial(ctx, dest, payload)
}

// Broadcast first tries to learn the key of every topology node so each
// gets a grant, then floods to everyone. Nodes that cannot be reached for
// discovery are left out.
func (srv *Server) Broadcast(ctx context.Context, payload []byte) (*network.SendReport, error) {
	var g errgroup.Group
	g.SetLimit(discoveryParallel)
	for _, id := range srv.config.Nodes {
		if id == srv.config.Self || id.IsBroadcast() {
			continue
		}
		id := id
		g.Go(func() error {
			if _, err := srv.node.Resolve(ctx, id); err != nil {
				srv.log.WithError(err).WithField("identity", id).Warn("Broadcast recipient has no known key")
			}
			return nil
		})
	}
	g.Wait()

	return srv.node.SendInitial(ctx, types.Broadcast, payload)
}

// Shutdown stops the metrics endpoint, the node and Tor, in that order.
// Safe to call more than once.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.shutdownOnce.Do(func() {
		var errs []error

		if srv.httpServer != nil {
			ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if err := srv.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("metrics server: %w", err))
			}
			cancel()
		}
		if err := srv.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		if srv.node != nil {
			if err := srv.node.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("node: %w", err))
			}
		}
		if srv.tor != nil {
			if err := srv.tor.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tor: %w", err))
			}
		}

		srv.shutdownErr = errors.Join(errs...)
		if srv.shutdownErr != nil {
			srv.log.WithError(srv.shutdownErr).Error("Shutdown finished with errors")
		} else {
			srv.log.Info("Server stopped")
		}
	})
	return srv.shutdownErr
}
