package mesh_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inferno-runtime/internal/mesh"
	"github.com/nmxmxh/inferno-runtime/internal/mesh/wire"
)

func TestNode_GossipExchangesSnapshots(t *testing.T) {
	a, err := mesh.NewNode(nil, "", func() wire.Snapshot {
		return wire.Snapshot{PeerID: "a", Pressure: 1, WorkerCount: 2, AllocatedMB: 100, LimitMB: 1000, ObservedAt: 1}
	})
	require.NoError(t, err)
	defer a.Close()

	b, err := mesh.NewNode(nil, "", func() wire.Snapshot {
		return wire.Snapshot{PeerID: "b", Pressure: 2, WorkerCount: 5, AllocatedMB: 200, LimitMB: 1000, ObservedAt: 2}
	})
	require.NoError(t, err)
	defer b.Close()

	require.NotEmpty(t, b.Addrs())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = a.Gossip(ctx, b.Addrs()[0])
	require.NoError(t, err)

	bPeers := b.PeerSnapshots()
	require.Contains(t, bPeers, "a")
	assert.EqualValues(t, 100, bPeers["a"].AllocatedMB)

	aPeers := a.PeerSnapshots()
	require.Contains(t, aPeers, "b")
	assert.EqualValues(t, 5, aPeers["b"].WorkerCount)
}

func TestNode_GossipToUnreachablePeerReturnsError(t *testing.T) {
	a, err := mesh.NewNode(nil, "", func() wire.Snapshot { return wire.Snapshot{PeerID: "a"} })
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = a.Gossip(ctx, "/ip4/127.0.0.1/tcp/1/p2p/12D3KooWAbc")
	assert.Error(t, err)
}
