package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/busybox42/floodmesh/pkg/server"
	"github.com/busybox42/floodmesh/pkg/topology"
	"github.com/busybox42/floodmesh/pkg/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func initLogger(level string) error {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

// Tor exits refuse loopback and private targets, and the onion address is
// new on every run.
const torUsage = "Route outbound traffic through embedded Tor. Peers must be " +
	"public host:port or .onion identities; loopback and LAN addresses are " +
	"unreachable, and this node's onion address changes on every run"

type options struct {
	keyDir      string
	logLevel    string
	metricsAddr string
	useTor      bool

	topologyPath string
	self         types.Identity
}

// parseArgs handles "[flags] run <topology-file> <self-identity>".
func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("floodmesh", flag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.keyDir, "keys", "keys", "Directory of <identity>.pub public key files")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	fs.BoolVar(&opts.useTor, "tor", false, torUsage)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: floodmesh [flags] run <topology-file> <self-identity>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) != 3 || rest[0] != "run" {
		fs.Usage()
		return nil, errors.New("expected: run <topology-file> <self-identity>")
	}

	self, err := types.ParseIdentity(rest[2])
	if err != nil {
		return nil, err
	}
	if self.IsBroadcast() {
		return nil, fmt.Errorf("%w: self cannot be the broadcast wildcard", types.ErrInvalidIdentity)
	}
	opts.topologyPath = rest[1]
	opts.self = self
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := initLogger(opts.logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(2)
	}

	topo, err := topology.Load(opts.topologyPath)
	if err != nil {
		var cerr *topology.ConfigError
		if errors.As(err, &cerr) {
			log.WithField("line", cerr.Line).Fatalf("Invalid topology: %s", cerr.Msg)
		}
		log.Fatalf("Failed to load topology: %v", err)
	}
	neighbors, ok := topo.Neighbors(opts.self)
	if !ok {
		log.Fatalf("Node %s is not listed in %s", opts.self, opts.topologyPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := newConsole(os.Stdin, os.Stdout)
	srv, err := server.New(ctx, &server.Config{
		Self:        opts.self,
		Neighbors:   neighbors,
		Nodes:       topo.Nodes(),
		KeyDir:      opts.keyDir,
		MetricsAddr: opts.metricsAddr,
		UseTor:      opts.useTor,
		Logger:      log,
		OnDelivery:  console.HandleDelivery,
	})
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	console.Attach(opts.self, neighbors, srv.Node().PublicKey(), srv)
	if onion := srv.OnionAddress(); onion != "" {
		log.Infof("Reachable over Tor at %s", onion)
	}

	done := make(chan error, 1)
	go func() { done <- console.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("Interrupted, shutting down")
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Console error: %v", err)
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		os.Exit(1)
	}
}
