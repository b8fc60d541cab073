package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/journalkeeper/journalkeeper/internal/codec"
	"github.com/journalkeeper/journalkeeper/internal/consensus"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// tcpTransport is the consensus.Transport this daemon uses to talk to
// its peers: one long-lived outbound TCP connection per peer, framed
// with internal/codec. The RPC transport below the framing layer is
// out of scope for the module itself; this is the daemon supplying
// one concrete implementation so the process is actually runnable.
type tcpTransport struct {
	selfID raft.ServerID
	peers  map[raft.ServerID]string
	logger *log.Logger

	mu     sync.Mutex
	conns  map[raft.ServerID]net.Conn
	engine *consensus.Engine

	pendingMu sync.Mutex
	pending   map[uuid.UUID]pendingRequest
}

type pendingRequest struct {
	peer raft.ServerID
	req  any
}

func newTCPTransport(selfID raft.ServerID, peers map[raft.ServerID]string, logger *log.Logger) *tcpTransport {
	return &tcpTransport{
		selfID:  selfID,
		peers:   peers,
		logger:  logger,
		conns:   make(map[raft.ServerID]net.Conn),
		pending: make(map[uuid.UUID]pendingRequest),
	}
}

// bindEngine wires the transport to the engine whose replies it should
// deliver. Separate from the constructor because Engine and Transport
// construct each other's dependency.
func (t *tcpTransport) bindEngine(e *consensus.Engine) { t.engine = e }

func (t *tcpTransport) SendRequestVote(to raft.ServerID, req raft.RequestVoteRequest) {
	t.send(to, req)
}

func (t *tcpTransport) SendAppendEntries(to raft.ServerID, req raft.AppendEntriesRequest) {
	t.send(to, req)
}

func (t *tcpTransport) SendInstallSnapshot(to raft.ServerID, req raft.InstallSnapshotRequest) {
	t.send(to, req)
}

func (t *tcpTransport) send(to raft.ServerID, req any) {
	correlationID := uuid.New()
	t.pendingMu.Lock()
	t.pending[correlationID] = pendingRequest{peer: to, req: req}
	t.pendingMu.Unlock()

	frame, err := codec.EncodeMessage(correlationID, t.selfID, to, req)
	if err != nil {
		t.logger.Printf("transport: encode to %d failed: %v", to, err)
		t.dropPending(correlationID)
		return
	}

	conn, err := t.connFor(to)
	if err != nil {
		t.logger.Printf("transport: dial %d failed: %v", to, err)
		t.dropPending(correlationID)
		return
	}
	if _, err := conn.Write(frame); err != nil {
		t.logger.Printf("transport: write to %d failed: %v", to, err)
		t.closeConn(to)
		t.dropPending(correlationID)
	}
}

func (t *tcpTransport) dropPending(id uuid.UUID) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *tcpTransport) connFor(id raft.ServerID) (net.Conn, error) {
	t.mu.Lock()
	if c, ok := t.conns[id]; ok {
		t.mu.Unlock()
		return c, nil
	}
	addr, ok := t.peers[id]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no address configured for peer %d", id)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.conns[id] = conn
	t.mu.Unlock()
	go t.readReplies(id, conn)
	return conn, nil
}

func (t *tcpTransport) closeConn(id raft.ServerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[id]; ok {
		c.Close()
		delete(t.conns, id)
	}
}

// readReplies drains replies to requests we sent peer over conn,
// matching each back to its original request by correlation ID and
// delivering it to the engine's Handle*Reply method.
func (t *tcpTransport) readReplies(peer raft.ServerID, conn net.Conn) {
	for {
		buf, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				t.logger.Printf("transport: read from %d failed: %v", peer, err)
			}
			t.closeConn(peer)
			return
		}
		header, msg, err := codec.DecodeMessage(buf)
		if err != nil {
			t.logger.Printf("transport: malformed reply from %d: %v", peer, err)
			continue
		}

		t.pendingMu.Lock()
		pending, ok := t.pending[header.CorrelationID]
		if ok {
			delete(t.pending, header.CorrelationID)
		}
		t.pendingMu.Unlock()
		if !ok {
			continue
		}

		if err := t.deliverReply(peer, pending.req, msg); err != nil {
			t.logger.Printf("transport: applying reply from %d failed: %v", peer, err)
		}
	}
}

func (t *tcpTransport) deliverReply(from raft.ServerID, req, reply any) error {
	switch rep := reply.(type) {
	case raft.RequestVoteReply:
		return t.engine.HandleRequestVoteReply(from, req.(raft.RequestVoteRequest), rep)
	case raft.AppendEntriesReply:
		return t.engine.HandleAppendEntriesReply(from, req.(raft.AppendEntriesRequest), rep)
	default:
		return fmt.Errorf("unexpected reply type %T", reply)
	}
}

// readFrame reads one complete length-prefixed codec frame off r,
// returning the bytes including the length prefix (what codec.DecodeFrame
// expects).
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+len(body))
	out = append(out, lenBuf[:]...)
	out = append(out, body...)
	return out, nil
}

// serve accepts inbound peer connections and answers every request
// frame on the same connection, tagged with the same correlation ID so
// the peer's readReplies can match it back.
func serve(ln net.Listener, engine *consensus.Engine, selfID raft.ServerID, logger *log.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Printf("transport: accept failed: %v", err)
			return
		}
		go handleInbound(conn, engine, selfID, logger)
	}
}

func handleInbound(conn net.Conn, engine *consensus.Engine, selfID raft.ServerID, logger *log.Logger) {
	defer conn.Close()
	for {
		buf, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.Printf("transport: inbound read failed: %v", err)
			}
			return
		}
		header, msg, err := codec.DecodeMessage(buf)
		if err != nil {
			logger.Printf("transport: malformed request: %v", err)
			continue
		}

		reply, err := handleRequest(engine, header.Sender, msg)
		if err != nil {
			logger.Printf("transport: handling request from %d failed: %v", header.Sender, err)
			continue
		}
		if reply == nil {
			continue
		}

		out, err := codec.EncodeMessage(header.CorrelationID, selfID, header.Sender, reply)
		if err != nil {
			logger.Printf("transport: encode reply failed: %v", err)
			continue
		}
		if _, err := conn.Write(out); err != nil {
			logger.Printf("transport: write reply to %d failed: %v", header.Sender, err)
			return
		}
	}
}

func handleRequest(engine *consensus.Engine, from raft.ServerID, msg any) (any, error) {
	switch req := msg.(type) {
	case raft.RequestVoteRequest:
		return engine.HandleRequestVote(from, req)
	case raft.AppendEntriesRequest:
		return engine.HandleAppendEntries(from, req)
	case raft.DisableLeaderWriteRequest:
		return engine.HandleDisableLeaderWrite(req), nil
	case raft.UpdateClusterStateRequest:
		return engine.HandleUpdateClusterState(req)
	case raft.QueryClusterStateRequest:
		return engine.HandleQueryClusterState(), nil
	default:
		return nil, fmt.Errorf("unsupported request type %T", msg)
	}
}
