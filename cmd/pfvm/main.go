// pfvm: Packet Filter Virtual Machine Node
//
// This is the main entry point for pfvm, a packet filtering daemon that
// runs verified filter programs against packets from a gRPC packet feed
// and serves a JSON-RPC API for filter management and ad-hoc evaluation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/netgrave/pfvm/internal/types"
	"github.com/netgrave/pfvm/pkg/capture"
	"github.com/netgrave/pfvm/pkg/engine"
	"github.com/netgrave/pfvm/pkg/feed"
	"github.com/netgrave/pfvm/pkg/filterstore"
	"github.com/netgrave/pfvm/pkg/rpc"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	dataDir       = flag.String("data-dir", "/var/lib/pfvm", "Data directory for filter store and capture log")
	rpcAddr       = flag.String("rpc-addr", ":8711", "RPC server listen address")
	enableRPC     = flag.Bool("enable-rpc", true, "Enable JSON-RPC server")
	enableCapture = flag.Bool("enable-capture", true, "Record evaluations to the capture log")
	maxSteps      = flag.Uint64("max-steps", 0, "Per-run instruction budget (0 = default)")
	feedEndpoint  = flag.String("feed-endpoint", "", "Packet feed gRPC endpoint (empty = no feed)")
	feedToken     = flag.String("feed-token", "", "Packet feed auth token (supports ${VAR} expansion)")
	feedTLS       = flag.Bool("feed-tls", true, "Use TLS for the packet feed connection")
	feedSources   = flag.String("feed-sources", "", "Comma-separated capture sources to subscribe to")
	feedFilter    = flag.String("feed-filter", "", "Name of the filter applied to feed packets")
	logRequests   = flag.Bool("log-requests", false, "Log RPC requests")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("pfvm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	// Setup logging
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting pfvm %s", Version)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Open the filter store
	store, err := filterstore.Open(filterstore.DefaultConfig(filepath.Join(*dataDir, "filters.db")))
	if err != nil {
		log.Fatalf("Failed to open filter store: %v", err)
	}
	defer store.Close()

	// Open the capture log
	var captlog *capture.Log
	if *enableCapture {
		captlog, err = capture.Open(capture.DefaultConfig(filepath.Join(*dataDir, "capture")))
		if err != nil {
			log.Fatalf("Failed to open capture log: %v", err)
		}
		defer captlog.Close()
	}

	// Build the evaluation engine
	engCfg := engine.DefaultConfig()
	if *maxSteps > 0 {
		engCfg.MaxSteps = *maxSteps
	}
	if captlog != nil {
		engCfg.OnResult = func(id types.FilterID, packet []byte, result *engine.Result) {
			_, err := captlog.Append(&capture.Record{
				FilterID:     id,
				PacketDigest: types.ComputePacketDigest(packet),
				PacketSize:   uint32(len(packet)),
				Verdict:      result.Verdict,
				Accepted:     result.Accepted,
				StepsUsed:    result.StepsUsed,
				Timestamp:    time.Now().UnixNano(),
				Err:          result.Err,
			})
			if err != nil {
				log.Printf("[Capture] Append failed: %v", err)
			}
		}
	}
	eng := engine.New(engCfg, store)

	// Start the RPC server
	var server *rpc.Server
	if *enableRPC {
		rpcCfg := rpc.DefaultConfig()
		rpcCfg.Addr = *rpcAddr
		rpcCfg.LogRequests = *logRequests
		rpcCfg.Version = Version

		server = rpc.New(rpcCfg, store, eng, captlog)
		go func() {
			log.Printf("[RPC] Listening on %s", *rpcAddr)
			if err := server.Start(ctx); err != nil {
				log.Printf("[RPC] Server stopped: %v", err)
				cancel()
			}
		}()
		defer server.Stop()
	}

	// Connect the packet feed
	var client *feed.Client
	if *feedEndpoint != "" {
		feedCfg := feed.DefaultConfig()
		feedCfg.Endpoint = *feedEndpoint
		feedCfg.Token = *feedToken
		feedCfg.UseTLS = *feedTLS
		if *feedSources != "" {
			feedCfg.Sources = strings.Split(*feedSources, ",")
		}
		feedCfg.OnConnect = func() {
			log.Println("[Feed] Connected")
		}
		feedCfg.OnDisconnect = func(err error) {
			log.Printf("[Feed] Disconnected: %v", err)
		}
		feedCfg.OnReconnect = func(attempt int) {
			log.Printf("[Feed] Reconnected after %d attempts", attempt)
		}

		client, err = feed.NewClient(feedCfg)
		if err != nil {
			log.Fatalf("Failed to create feed client: %v", err)
		}
		defer client.Close()

		if err := client.Connect(ctx); err != nil {
			log.Fatalf("Failed to connect packet feed: %v", err)
		}
	}

	// Print status periodically
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logStatus(store, captlog, client)
			}
		}
	}()

	if client == nil {
		log.Println("No packet feed configured, serving RPC only")
		<-ctx.Done()
		log.Println("pfvm stopped")
		return
	}

	if *feedFilter == "" {
		log.Fatal("A feed is configured but -feed-filter is not set")
	}

	log.Printf("Filtering feed packets through %q...", *feedFilter)
	runFeedLoop(ctx, eng, store, client, *feedFilter)
	log.Println("pfvm stopped")
}

// runFeedLoop evaluates every feed packet against the named filter.
func runFeedLoop(ctx context.Context, eng *engine.Engine, store *filterstore.Store, client *feed.Client, filterName string) {
	var processed, accepted uint64

	for {
		select {
		case <-ctx.Done():
			log.Printf("Processed %d packets total (%d accepted)", processed, accepted)
			return
		case packet, ok := <-client.Packets():
			if !ok {
				log.Println("Packet channel closed")
				return
			}

			// Resolve by name each time so a reload of the filter
			// takes effect without a restart. The engine caches the
			// parsed program, so the store hit is the only cost.
			id, err := store.Resolve(filterName)
			if err != nil {
				log.Printf("Resolve %q failed, dropping packet: %v", filterName, err)
				continue
			}

			result, err := eng.Evaluate(id, packet.Data)
			if err != nil {
				log.Printf("Evaluate failed, dropping packet: %v", err)
				continue
			}

			processed++
			if result.Accepted {
				accepted++
			}
			if processed%10000 == 0 {
				log.Printf("Processed %d packets (%d accepted), feed seq %d",
					processed, accepted, packet.Seq)
			}
		}
	}
}

// logStatus prints a one-line status summary.
func logStatus(store *filterstore.Store, captlog *capture.Log, client *feed.Client) {
	stats, err := store.GetStats()
	if err != nil {
		log.Printf("Status: store stats unavailable: %v", err)
		return
	}

	line := fmt.Sprintf("Status: filters=%d", stats.FilterCount)
	if captlog != nil {
		logStats := captlog.GetStats()
		line += fmt.Sprintf(", evals=%d, accepted=%d, dropped=%d, errored=%d",
			logStats.Records, logStats.Accepted, logStats.Dropped, logStats.Errored)
	}
	if client != nil {
		health := client.Health()
		line += fmt.Sprintf(", feed_connected=%v, feed_seq=%d", health.Connected, health.LastSeq)
	}
	log.Println(line)
}
