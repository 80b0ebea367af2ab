// Command mainhub runs one authoritative node: it answers QUERY packets
// from mini hubs, mints and signs capsules, and periodically broadcasts a
// manifest so mini hubs can gossip-sync. Per spec it is a process
// entrypoint, not a user-facing CLI — flags and environment variables only.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"capsulemesh/internal/authority"
	"capsulemesh/internal/capstore"
	"capsulemesh/internal/crypto"
	"capsulemesh/internal/mainhub"
	"capsulemesh/internal/messaging"
	"capsulemesh/internal/metrics"
	"capsulemesh/internal/netproto"
	"capsulemesh/internal/netsim"
	"capsulemesh/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "run":
		return runNode(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: mainhub <keygen|run> [args]")
	fmt.Fprintln(w, "  keygen --key-dir <dir>")
	fmt.Fprintln(w, "  run --addr <ip:port> --name <node-name> --source-id <id> --key-dir <dir> [--mesh-secret <secret>] [--debug] [--pprof-addr <addr>]")
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyDir := fs.String("key-dir", "", "directory to write pub.hex/priv.hex into")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *keyDir == "" {
		fmt.Fprintln(stderr, "missing --key-dir")
		return 1
	}
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	if err := crypto.SaveKeypair(*keyDir, pub, priv); err != nil {
		fmt.Fprintf(stderr, "save keypair failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote keypair to %s\n", *keyDir)
	return 0
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "QUIC listen addr (host:port)")
	name := fs.String("name", "main-hub", "node name, hashed into this node's NodeID")
	sourceID := fs.String("source-id", "", "authority source_id this hub signs capsules and manifests as")
	keyDir := fs.String("key-dir", "", "directory holding pub.hex/priv.hex (see keygen)")
	meshSecret := fs.String("mesh-secret", "", "pre-shared mesh secret; falls back to CAPSULEMESH_MESH_SECRET")
	storePath := fs.String("store-path", "", "capsule store journal path (default <key-dir>/capsules.jsonl)")
	trustPath := fs.String("trust-path", "", "authority registry journal path (default <key-dir>/authority.jsonl)")
	manifestInterval := fs.Duration("manifest-interval", 30*time.Second, "how often to broadcast a fresh manifest")
	metricsPath := fs.String("metrics-path", "", "if set, periodically write a metrics snapshot JSON file here")
	pprofAddr := fs.String("pprof-addr", "", "if set, enable pprof on this loopback addr")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" || *sourceID == "" || *keyDir == "" {
		fmt.Fprintln(stderr, "missing --addr, --source-id, or --key-dir")
		return 1
	}
	if *debug {
		_ = os.Setenv("CAPSULEMESH_DEBUG", "1")
	}
	if *pprofAddr != "" {
		_ = os.Setenv("CAPSULEMESH_PPROF", "1")
		_ = os.Setenv("CAPSULEMESH_PPROF_ADDR", *pprofAddr)
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	secret := *meshSecret
	if secret == "" {
		secret = os.Getenv("CAPSULEMESH_MESH_SECRET")
	}
	if secret == "" {
		fmt.Fprintln(stderr, "missing --mesh-secret (or CAPSULEMESH_MESH_SECRET)")
		return 1
	}

	_, priv, err := crypto.LoadKeypair(*keyDir)
	if err != nil {
		fmt.Fprintf(stderr, "load keypair failed: %v\n", err)
		return 1
	}

	if *trustPath == "" {
		*trustPath = filepath.Join(*keyDir, "authority.jsonl")
	}
	reg, err := authority.Open(*trustPath)
	if err != nil {
		fmt.Fprintf(stderr, "open authority registry failed: %v\n", err)
		return 1
	}

	if *storePath == "" {
		*storePath = filepath.Join(*keyDir, "capsules.jsonl")
	}
	store, err := capstore.Open(*storePath, reg)
	if err != nil {
		fmt.Fprintf(stderr, "open capsule store failed: %v\n", err)
		return 1
	}

	messages, err := messaging.Open(filepath.Join(*keyDir, "messages.jsonl"))
	if err != nil {
		fmt.Fprintf(stderr, "open message store failed: %v\n", err)
		return 1
	}

	selfID := netproto.DeriveNodeID(*name)
	m := metrics.New()
	keyFor := staticAeadKeyFor([]byte(secret))

	engine := netsim.New(netsim.DefaultConfig(), m)
	bridge := netsim.NewBridge(engine)

	hub := mainhub.New(selfID, *sourceID, priv, store, keyFor, engine, m)
	hub.Answer = stubAnswer
	hub.Messages = messages
	engine.Register(selfID, hub)

	publisher := hub.NewPublisher(*manifestInterval)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Run(stop)
	}()

	if *metricsPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runMetricsSidecar(stop, m, *metricsPath)
		}()
	}

	fmt.Fprintf(stdout, "READY addr=%s node_id=%s source_id=%s\n", *addr, selfID, *sourceID)

	errCh := make(chan error, 1)
	go func() { errCh <- bridge.Listen(*addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		close(stop)
		wg.Wait()
		return 1
	case <-sigCh:
		fmt.Fprintln(stderr, "shutting down")
		close(stop)
		wg.Wait()
		return 0
	}
}

// staticAeadKeyFor derives a per-pair AEAD key from the shared mesh secret,
// the provisioning-time substitute for the dormant X25519 handshake path.
func staticAeadKeyFor(secret []byte) netproto.AeadKeyFor {
	return func(src, dst netproto.NodeID) ([]byte, error) {
		return crypto.DeriveStaticAeadKey(secret, src[:], dst[:])
	}
}

// stubAnswer is the placeholder answer generator: the real LLM/answer
// backend is out of scope, modeled only as mainhub.Hub.Answer's function
// type. A deployment wires its own here.
func stubAnswer(ctx context.Context, question string) (string, error) {
	return fmt.Sprintf("no answer generator configured (question: %q)", question), nil
}

func runMetricsSidecar(stop <-chan struct{}, m *metrics.Metrics, path string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = m.WriteSnapshot(path)
		}
	}
}
