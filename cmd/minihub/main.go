// Command minihub runs one edge node: serve questions from its local
// capsule cache, forward misses to a main hub over NetSim/QUIC with
// retransmission on loss, and gossip-sync the capsules it missed. Per spec
// it is a process entrypoint, not a user-facing CLI — flags and
// environment variables only.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/authority"
	"capsulemesh/internal/capstore"
	"capsulemesh/internal/crypto"
	"capsulemesh/internal/messaging"
	"capsulemesh/internal/minihub"
	"capsulemesh/internal/metrics"
	"capsulemesh/internal/netproto"
	"capsulemesh/internal/netsim"
	"capsulemesh/internal/pprofutil"
	"capsulemesh/internal/queue"
)

type stringList []string

func (s *stringList) String() string { return fmt.Sprintf("%v", *s) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

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
	fmt.Fprintln(w, "usage: minihub <keygen|run> [args]")
	fmt.Fprintln(w, "  keygen --key-dir <dir>")
	fmt.Fprintln(w, "  run --addr <ip:port> --name <node-name> --main-hub-name <name> --main-hub-addr <ip:port> [--main-hub-addr <ip:port> ...] --key-dir <dir> [--mesh-secret <secret>] [--debug] [--pprof-addr <addr>]")
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
	name := fs.String("name", "mini-hub", "node name, hashed into this node's NodeID")
	mainHubName := fs.String("main-hub-name", "main-hub", "the main hub's node name, hashed into its NodeID")
	keyDir := fs.String("key-dir", "", "directory holding pub.hex/priv.hex (see keygen)")
	meshSecret := fs.String("mesh-secret", "", "pre-shared mesh secret; falls back to CAPSULEMESH_MESH_SECRET")
	storePath := fs.String("store-path", "", "capsule store journal path (default <key-dir>/capsules.jsonl)")
	trustPath := fs.String("trust-path", "", "authority registry journal path (default <key-dir>/authority.jsonl)")
	trustMainHub := fs.String("trust-main-hub-pubkey", "", "hex-encoded Ed25519 public key to trust for main-hub-name's source_id")
	pollInterval := fs.Duration("gossip-poll-interval", 45*time.Second, "how often to poll the main hub's manifest for selective sync")
	metricsPath := fs.String("metrics-path", "", "if set, periodically write a metrics snapshot JSON file here")
	pprofAddr := fs.String("pprof-addr", "", "if set, enable pprof on this loopback addr")
	debug := fs.Bool("debug", false, "enable debug logging")
	var mainHubAddrs stringList
	fs.Var(&mainHubAddrs, "main-hub-addr", "a candidate address for the main hub (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" || *keyDir == "" || len(mainHubAddrs) == 0 {
		fmt.Fprintln(stderr, "missing --addr, --key-dir, or --main-hub-addr")
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

	if *trustPath == "" {
		*trustPath = filepath.Join(*keyDir, "authority.jsonl")
	}
	reg, err := authority.Open(*trustPath)
	if err != nil {
		fmt.Fprintf(stderr, "open authority registry failed: %v\n", err)
		return 1
	}
	mainHubID := netproto.DeriveNodeID(*mainHubName)
	if *trustMainHub != "" {
		pub, err := hex.DecodeString(*trustMainHub)
		if err != nil {
			fmt.Fprintf(stderr, "bad --trust-main-hub-pubkey: %v\n", err)
			return 1
		}
		if err := reg.Trust(*mainHubName, pub); err != nil {
			fmt.Fprintf(stderr, "trust main hub failed: %v\n", err)
			return 1
		}
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

	candidates := netsim.NewCandidatePool(netsim.DefaultCandidateCap, netsim.DefaultCandidateTTL)
	for _, a := range mainHubAddrs {
		candidates.Add(a)
	}
	// Seed the bridge with the first known candidate. resolvingSubmitter
	// walks the rest of the pool only on ErrUnknownDestination, which the
	// engine returns when no route is registered; once this route is
	// registered, an address that stops answering does not trigger it.
	bridge.RegisterRemote(mainHubID, netsim.RemoteConfig{Addr: mainHubAddrs[0], DevTLS: true})

	q := queue.New(queue.DefaultPolicy())
	submitter := &resolvingSubmitter{engine: engine, bridge: bridge, pool: candidates, dst: mainHubID}
	hub := minihub.New(selfID, mainHubID, store, q, submitter, keyFor, m)
	hub.VerifySigner = reg.VerifyCapsuleSigner
	hub.Messages = messages
	engine.Register(selfID, hub)

	syncer := hub.NewSyncer(*pollInterval, 0, requestCapsuleFn(hub, submitter, selfID, mainHubID))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.RunRetransmitWorker(stop)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		syncer.Run(stop)
	}()

	if *metricsPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runMetricsSidecar(stop, m, *metricsPath)
		}()
	}

	fmt.Fprintf(stdout, "READY addr=%s node_id=%s main_hub=%s\n", *addr, selfID, mainHubID)

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

// resolvingSubmitter wraps an Engine+Bridge pair so that an
// ErrUnknownDestination — no route is registered for the main hub — walks
// the candidate pool for another address to register and retry against,
// instead of surfacing the error straight back to Query.
type resolvingSubmitter struct {
	engine *netsim.Engine
	bridge *netsim.Bridge
	pool   *netsim.CandidatePool
	dst    netproto.NodeID
}

func (r *resolvingSubmitter) SubmitPacket(encoded []byte, packetID [16]byte, src, dst netproto.NodeID) error {
	err := r.engine.SubmitPacket(encoded, packetID, src, dst)
	if err == nil || err != netsim.ErrUnknownDestination || dst != r.dst {
		return err
	}
	return r.pool.ResolveAndRetry(dst, r.bridge, err, func() error {
		return r.engine.SubmitPacket(encoded, packetID, src, dst)
	})
}

// requestCapsuleFn builds the gossip.Syncer's per-entry fetch callback: it
// seals and submits a CAPSULE_REQUEST directly, bypassing the retransmit
// queue since the syncer's own poll interval and inflight cap already
// bound how aggressively it retries a missing capsule.
func requestCapsuleFn(hub *minihub.Hub, submitter *resolvingSubmitter, selfID, mainHubID netproto.NodeID) func(peer string, capsuleID uuid.UUID) error {
	return func(peer string, capsuleID uuid.UUID) error {
		payload, err := netproto.MarshalPayload(netproto.CapsuleRequestPayload{CapsuleID: capsuleID})
		if err != nil {
			return err
		}
		packetID := uuid.New()
		pkt, err := netproto.Seal(hub.AeadKeyFor, netproto.TypeCapsuleRequest, packetID, selfID, mainHubID, payload)
		if err != nil {
			return err
		}
		return submitter.SubmitPacket(pkt.Encode(), packetID, selfID, mainHubID)
	}
}

func staticAeadKeyFor(secret []byte) netproto.AeadKeyFor {
	return func(src, dst netproto.NodeID) ([]byte, error) {
		return crypto.DeriveStaticAeadKey(secret, src[:], dst[:])
	}
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
