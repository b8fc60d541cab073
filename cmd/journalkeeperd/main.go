package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/journalkeeper/journalkeeper/internal/clusterconfig"
	"github.com/journalkeeper/journalkeeper/internal/consensus"
	"github.com/journalkeeper/journalkeeper/internal/events"
	"github.com/journalkeeper/journalkeeper/internal/journal"
	"github.com/journalkeeper/journalkeeper/internal/proposal"
	"github.com/journalkeeper/journalkeeper/internal/raftstate"
	"github.com/journalkeeper/journalkeeper/internal/statemachine"
	"github.com/journalkeeper/journalkeeper/internal/transaction"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

func main() {
	var (
		id             = flag.Uint64("id", 0, "this server's ID (must be > 0)")
		listenAddr     = flag.String("listen", ":7000", "address to accept peer connections on")
		httpAddr       = flag.String("http", ":8080", "address to serve the status endpoint on")
		peersFlag      = flag.String("peers", "", "comma-separated id=host:port list, including this server")
		dataDir        = flag.String("data", "./data", "directory for durable journal and state files")
		electionTimout = flag.Duration("election-timeout", 150*time.Millisecond, "minimum election timeout")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)

	if *id == 0 {
		logger.Fatal("-id must be provided and non-zero")
	}
	if *peersFlag == "" {
		logger.Fatal("-peers must be provided")
	}
	selfID := raft.ServerID(*id)

	peers, voters, err := parsePeers(*peersFlag)
	if err != nil {
		logger.Fatalf("invalid -peers: %v", err)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Fatalf("failed to create data directory: %v", err)
	}

	store, err := journal.NewSegmentedFileStore(*dataDir, 10000)
	if err != nil {
		logger.Fatalf("failed to open journal: %v", err)
	}
	record, err := raftstate.NewJSONFileRecord(*dataDir + "/state.json")
	if err != nil {
		logger.Fatalf("failed to open persisted state: %v", err)
	}
	cluster, err := clusterconfig.NewClusterInfo(
		raft.ClusterConfig{New: &raft.VoterSet{Voters: voters}}, selfID,
	)
	if err != nil {
		logger.Fatalf("failed to build cluster config: %v", err)
	}

	transport := newTCPTransport(selfID, peers, logger)

	engine, err := consensus.NewEngine(
		record, store, transport, cluster, *electionTimout, time.Now, logger,
	)
	if err != nil {
		logger.Fatalf("failed to start consensus engine: %v", err)
	}
	transport.bindEngine(engine)

	sm := newLogStateMachine()
	host := statemachine.NewHost(store, sm, func(err error) {
		logger.Fatalf("state machine host hit a fatal error: %v", err)
	})
	defer host.StopSync()

	bus := events.NewBus()
	engine.SetEventBus(bus)
	host.SetEventBus(bus)
	bus.Watch(func(e events.Event) {
		logger.Printf("event: %s", e.Type)
	})

	engine.CommitIndexWatchable().AddListener(func(_, newValue raft.Index) error {
		return host.SetCommitIndex(newValue)
	})

	pipeline := proposal.NewPipeline(engine, host)
	transaction.NewManager(engine, pipeline)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatalf("failed to listen on %s: %v", *listenAddr, err)
	}
	go serve(ln, engine, selfID, logger)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			if err := engine.Tick(); err != nil {
				logger.Printf("tick error: %v", err)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"role":"` + engine.Role().String() +
			`","term":` + strconv.FormatUint(uint64(engine.CurrentTerm()), 10) +
			`,"leader":` + strconv.FormatUint(uint64(engine.LastKnownLeader()), 10) +
			`,"commitIndex":` + strconv.FormatUint(uint64(engine.CommitIndex()), 10) + `}`))
	})
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		logger.Printf("server %d: status endpoint listening on %s", selfID, *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("status server failed: %v", err)
		}
	}()

	logger.Printf("server %d: peer listener on %s, %d voters", selfID, *listenAddr, len(voters))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Println("shutting down")
	ln.Close()
	httpServer.Close()
}

// parsePeers parses "id=host:port,id=host:port,..." into an address
// map and the corresponding voter ID list, in the order given.
func parsePeers(s string) (map[raft.ServerID]string, []raft.ServerID, error) {
	peers := make(map[raft.ServerID]string)
	var voters []raft.ServerID
	for _, entry := range strings.Split(s, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, nil, &peerFormatError{entry}
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, nil, err
		}
		id := raft.ServerID(n)
		peers[id] = parts[1]
		voters = append(voters, id)
	}
	return peers, voters, nil
}

type peerFormatError struct{ entry string }

func (e *peerFormatError) Error() string {
	return "expected id=host:port, got " + strconv.Quote(e.entry)
}
