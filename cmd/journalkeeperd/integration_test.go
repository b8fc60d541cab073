//go:build integration

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	dockernetwork "github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testNode is one journalkeeperd container in a test cluster. Grounded
// on Konstantsiy-casual-raft's server_e2e_test.go testRaftNode/
// testRaftCluster shape, adapted to this daemon's /status endpoint and
// id=host:port peer syntax.
type testNode struct {
	id        int
	container testcontainers.Container
	hostAddr  string
}

type statusReply struct {
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	Leader      uint64 `json:"leader"`
	CommitIndex uint64 `json:"commitIndex"`
}

func (n *testNode) status(ctx context.Context) (statusReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+n.hostAddr+"/status", nil)
	if err != nil {
		return statusReply{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return statusReply{}, err
	}
	defer resp.Body.Close()
	var s statusReply
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return statusReply{}, err
	}
	return s, nil
}

type testCluster struct {
	t       *testing.T
	ctx     context.Context
	nodes   []*testNode
	network *testcontainers.DockerNetwork
}

func newTestCluster(t *testing.T, ctx context.Context, n int) *testCluster {
	net, err := dockernetwork.New(ctx)
	require.NoError(t, err)
	c := &testCluster{t: t, ctx: ctx, network: net}

	var peerParts []string
	for id := 1; id <= n; id++ {
		peerParts = append(peerParts, fmt.Sprintf("%d=raft-node-%d:7000", id, id))
	}
	peers := strings.Join(peerParts, ",")

	for id := 1; id <= n; id++ {
		c.nodes = append(c.nodes, c.startNode(id, peers))
	}
	return c
}

func (c *testCluster) startNode(id int, peers string) *testNode {
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			FromDockerfile: testcontainers.FromDockerfile{
				Context:    "../..",
				Dockerfile: "Dockerfile",
			},
			Name:         fmt.Sprintf("raft-node-%d", id),
			ExposedPorts: []string{"8080/tcp"},
			Networks:     []string{c.network.Name},
			NetworkAliases: map[string][]string{
				c.network.Name: {fmt.Sprintf("raft-node-%d", id)},
			},
			Cmd: []string{
				"-id", fmt.Sprintf("%d", id),
				"-listen", ":7000",
				"-http", ":8080",
				"-peers", peers,
				"-data", "/data",
			},
			WaitingFor: wait.ForHTTP("/status").
				WithPort("8080/tcp").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	}

	container, err := testcontainers.GenericContainer(c.ctx, req)
	require.NoError(c.t, err)

	host, err := container.Host(c.ctx)
	require.NoError(c.t, err)
	port, err := container.MappedPort(c.ctx, "8080")
	require.NoError(c.t, err)

	return &testNode{id: id, container: container, hostAddr: fmt.Sprintf("%s:%s", host, port.Port())}
}

func (c *testCluster) shutdown() {
	for _, n := range c.nodes {
		_ = n.container.Terminate(c.ctx)
	}
	if c.network != nil {
		_ = c.network.Remove(c.ctx)
	}
}

func (c *testCluster) leader(ctx context.Context) *testNode {
	for _, n := range c.nodes {
		s, err := n.status(ctx)
		if err == nil && s.Role == "Leader" {
			return n
		}
	}
	return nil
}

func (c *testCluster) waitForLeader(ctx context.Context, timeout time.Duration) *testNode {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l := c.leader(ctx); l != nil {
			return l
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}

// TestPartitionTriggersReElection covers spec.md §8 scenario 3: when the
// current leader becomes unreachable, the remaining voters elect a new
// leader in a higher term within 20 seconds.
func TestPartitionTriggersReElection(t *testing.T) {
	ctx := context.Background()
	cluster := newTestCluster(t, ctx, 3)
	defer cluster.shutdown()

	firstLeader := cluster.waitForLeader(ctx, 20*time.Second)
	require.NotNil(t, firstLeader)
	firstStatus, err := firstLeader.status(ctx)
	require.NoError(t, err)

	t.Logf("stopping leader node %d (term %d)", firstLeader.id, firstStatus.Term)
	require.NoError(t, firstLeader.container.Stop(ctx, nil))

	deadline := time.Now().Add(20 * time.Second)
	var secondLeader *testNode
	for time.Now().Before(deadline) {
		for _, n := range cluster.nodes {
			if n.id == firstLeader.id {
				continue
			}
			s, err := n.status(ctx)
			if err == nil && s.Role == "Leader" && s.Term > firstStatus.Term {
				secondLeader = n
				break
			}
		}
		if secondLeader != nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	require.NotNil(t, secondLeader, "no new leader elected after partitioning the old one")
	require.NotEqual(t, firstLeader.id, secondLeader.id)
}
