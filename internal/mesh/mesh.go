// Package mesh gossips pool-pressure telemetry between infernod
// processes over libp2p streams, grounded on the teacher's
// internal/network/mesh.go host-and-stream-handler shape. It is
// read-only fan-out for operator dashboards: no component here ever
// routes a completion request to a remote peer, matching the
// distributed-dispatch Non-goal.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/nmxmxh/inferno-runtime/internal/mesh/wire"
)

const pressureProtocol = "/infernod/pressure/1.0.0"

// identity mirrors the teacher's PersistentIdentity, generalized with a
// configurable path instead of a hardcoded filename so multiple nodes
// can share a machine in tests.
type identity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

func loadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var id identity
			if err := json.Unmarshal(data, &id); err != nil {
				return nil, fmt.Errorf("mesh: decode identity: %w", err)
			}
			return crypto.UnmarshalPrivateKey(id.PrivKey)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("mesh: generate identity: %w", err)
	}
	if path != "" {
		privBytes, err := crypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("mesh: marshal identity: %w", err)
		}
		pid, err := peer.IDFromPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("mesh: derive peer id: %w", err)
		}
		data, err := json.Marshal(identity{PrivKey: privBytes, PeerID: pid.String()})
		if err == nil {
			_ = os.WriteFile(path, data, 0o600)
		}
	}
	return priv, nil
}

// SnapshotFunc produces this process's current pressure snapshot on
// demand; the caller closes over its governor.Governor and pool set so
// this package never imports them directly.
type SnapshotFunc func() wire.Snapshot

// Node is one mesh participant: a libp2p host that answers pressure
// queries with its own snapshot and keeps the last snapshot it received
// from every peer it has gossiped with.
type Node struct {
	log      *zap.SugaredLogger
	host     libp2phost.Host
	snapshot SnapshotFunc

	mu    sync.RWMutex
	peers map[string]wire.Snapshot
}

// NewNode starts a libp2p host and registers the pressure stream
// handler. identityPath may be empty, in which case a fresh identity is
// generated and not persisted (suitable for tests and ephemeral nodes).
func NewNode(log *zap.SugaredLogger, identityPath string, snapshot SnapshotFunc) (*Node, error) {
	priv, err := loadOrCreateIdentity(identityPath)
	if err != nil {
		return nil, err
	}
	host, err := libp2p.New(libp2p.Identity(priv))
	if err != nil {
		return nil, fmt.Errorf("mesh: start host: %w", err)
	}

	n := &Node{log: log, host: host, snapshot: snapshot, peers: make(map[string]wire.Snapshot)}
	host.SetStreamHandler(pressureProtocol, n.handleStream)
	if log != nil {
		log.Infow("mesh node started", "peer_id", host.ID().String())
	}
	return n, nil
}

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		if n.log != nil {
			n.log.Warnw("mesh: read stream failed", "err", err)
		}
		return
	}
	snap, err := wire.Unmarshal(data)
	if err != nil {
		if n.log != nil {
			n.log.Warnw("mesh: malformed snapshot", "err", err)
		}
		return
	}
	n.recordPeer(snap)

	if n.snapshot != nil {
		reply := wire.Marshal(n.snapshot())
		_, _ = s.Write(reply)
	}
}

func (n *Node) recordPeer(snap wire.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	existing, ok := n.peers[snap.PeerID]
	if !ok || snap.ObservedAt >= existing.ObservedAt {
		n.peers[snap.PeerID] = snap
	}
}

// Gossip connects to peerAddr (a full p2p multiaddr) and exchanges this
// node's snapshot for the remote's, recording both.
func (n *Node) Gossip(ctx context.Context, peerAddr string) error {
	maddr, err := ma.NewMultiaddr(peerAddr)
	if err != nil {
		return fmt.Errorf("mesh: parse peer addr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("mesh: parse peer info: %w", err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("mesh: connect: %w", err)
	}
	stream, err := n.host.NewStream(ctx, info.ID, pressureProtocol)
	if err != nil {
		return fmt.Errorf("mesh: open stream: %w", err)
	}
	defer stream.Close()

	if n.snapshot != nil {
		if _, err := stream.Write(wire.Marshal(n.snapshot())); err != nil {
			return fmt.Errorf("mesh: send snapshot: %w", err)
		}
	}
	if err := stream.CloseWrite(); err != nil {
		return fmt.Errorf("mesh: close write side: %w", err)
	}

	data, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("mesh: read reply: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	snap, err := wire.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("mesh: decode reply: %w", err)
	}
	n.recordPeer(snap)
	return nil
}

// GossipLoop periodically gossips with every address in peerAddrs until
// ctx is cancelled. Individual gossip failures are logged and do not
// stop the loop — one unreachable peer must not take down telemetry
// fan-out for the rest of the mesh.
func (n *Node) GossipLoop(ctx context.Context, peerAddrs []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range peerAddrs {
				if err := n.Gossip(ctx, addr); err != nil && n.log != nil {
					n.log.Debugw("mesh: gossip round failed", "peer_addr", addr, "err", err)
				}
			}
		}
	}
}

// PeerSnapshots returns a copy of the last known snapshot for every peer
// this node has gossiped with, for an operator dashboard to render.
func (n *Node) PeerSnapshots() map[string]wire.Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]wire.Snapshot, len(n.peers))
	for k, v := range n.peers {
		out[k] = v
	}
	return out
}

// Addrs returns this node's dialable multiaddrs with the peer ID suffix
// appended, ready to hand to another Node's Gossip.
func (n *Node) Addrs() []string {
	id := n.host.ID().String()
	addrs := n.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a.String(), id))
	}
	return out
}

// PeerID returns this node's libp2p peer ID string, the value a
// SnapshotFunc should report as its PeerID field.
func (n *Node) PeerID() string { return n.host.ID().String() }

// Close shuts down the libp2p host.
func (n *Node) Close() error { return n.host.Close() }
