package collective

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultJoinTimeout bounds how long NewGroup waits for all ranks to rendezvous.
var DefaultJoinTimeout = 30 * time.Second

// dialRetryInterval between attempts to reach the hub while it may not be listening yet.
const dialRetryInterval = 50 * time.Millisecond

// Config assembles the facts NewGroup needs, typically taken from the cluster
// environment after the launcher established the ranks.
type Config struct {
	// Rank of this process, in [0, WorldSize).
	Rank int

	// WorldSize is the total number of ranks in the group.
	WorldSize int

	// MainAddr and MainPort locate the rank-0 hub.
	MainAddr string
	MainPort int

	// JoinTimeout bounds the rendezvous; DefaultJoinTimeout when zero.
	JoinTimeout time.Duration
}

// tcpGroup is a process group member. Rank 0 additionally owns the hub.
type tcpGroup struct {
	rank, worldSize int

	mu   sync.Mutex // serializes collective rounds.
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
	seq  uint64

	hub       *hub // Only set on rank 0.
	closeOnce sync.Once
	closed    bool
}

var _ Group = (*tcpGroup)(nil)

// NewGroup creates the process group member for this rank and blocks until all
// WorldSize ranks have rendezvoused, or the join timeout expires.
//
// Rank 0 starts the hub on MainAddr:MainPort and joins it through an in-process pipe, so
// exactly one hub exists network-wide. A world size of 1 needs no transport and returns
// the no-op group.
func NewGroup(cfg Config) (Group, error) {
	if cfg.WorldSize <= 0 || cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, errors.Errorf("invalid process group config: rank %d, world size %d",
			cfg.Rank, cfg.WorldSize)
	}
	if cfg.WorldSize == 1 {
		return Noop(), nil
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	address := fmt.Sprintf("%s:%d", cfg.MainAddr, cfg.MainPort)

	g := &tcpGroup{rank: cfg.Rank, worldSize: cfg.WorldSize}
	if cfg.Rank == 0 {
		listener, err := net.Listen("tcp", address)
		if err != nil {
			return nil, errors.Wrapf(err, "rank 0 failed to listen on rendezvous address %q", address)
		}
		clientSide, serverSide := net.Pipe()
		g.conn = clientSide
		g.hub = newHub(listener, serverSide, cfg.WorldSize, joinTimeout)
		hubErr := make(chan error, 1)
		go func() { hubErr <- g.hub.start() }()
		if err := g.join(joinTimeout); err != nil {
			_ = clientSide.Close()
			return nil, err
		}
		if err := <-hubErr; err != nil {
			_ = clientSide.Close()
			return nil, err
		}
		return g, nil
	}

	conn, err := dialWithRetry(address, joinTimeout)
	if err != nil {
		return nil, err
	}
	g.conn = conn
	if err := g.join(joinTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return g, nil
}

// dialWithRetry keeps trying to reach the hub until timeout: workers may come up before
// rank 0 listens.
func dialWithRetry(address string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.Wrapf(lastErr, "failed to reach process group hub at %q within %s",
				address, timeout)
		}
		conn, err := net.DialTimeout("tcp", address, remaining)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(dialRetryInterval)
	}
}

// join performs the rendezvous handshake on an established connection.
func (g *tcpGroup) join(timeout time.Duration) error {
	_ = g.conn.SetDeadline(time.Now().Add(timeout))
	g.enc = gob.NewEncoder(g.conn)
	g.dec = gob.NewDecoder(g.conn)
	if err := g.enc.Encode(&joinRequest{Rank: g.rank, WorldSize: g.worldSize}); err != nil {
		return errors.Wrapf(err, "rank %d failed to send join request", g.rank)
	}
	var reply joinReply
	if err := g.dec.Decode(&reply); err != nil {
		return errors.Wrapf(err, "rank %d failed to join the process group", g.rank)
	}
	if reply.Err != "" {
		return errors.Errorf("rank %d rejected from process group: %s", g.rank, reply.Err)
	}
	_ = g.conn.SetDeadline(time.Time{})
	return nil
}

// Rank of this process within the group.
func (g *tcpGroup) Rank() int { return g.rank }

// WorldSize is the total number of ranks in the group.
func (g *tcpGroup) WorldSize() int { return g.worldSize }

// round executes one synchronous collective round through the hub.
func (g *tcpGroup) round(kind opKind, src int, op ReduceOp, payload []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.Errorf("process group already closed on rank %d", g.rank)
	}
	g.seq++
	req := request{Seq: g.seq, Kind: kind, Src: src, Reduce: op, Payload: payload}
	if err := g.enc.Encode(&req); err != nil {
		return nil, errors.Wrapf(err, "rank %d failed to send %s", g.rank, kind)
	}
	var resp response
	if err := g.dec.Decode(&resp); err != nil {
		return nil, errors.Wrapf(err, "rank %d lost the process group during %s", g.rank, kind)
	}
	if resp.Err != "" {
		return nil, errors.Errorf("%s failed on rank %d: %s", kind, g.rank, resp.Err)
	}
	return resp.Payload, nil
}

// Barrier blocks until all ranks have entered it.
func (g *tcpGroup) Barrier() error {
	_, err := g.round(opBarrier, 0, ReduceSum, nil)
	return err
}

// BroadcastBytes sends src's payload to every rank.
func (g *tcpGroup) BroadcastBytes(data []byte, src int) ([]byte, error) {
	return g.round(opBroadcast, src, ReduceSum, data)
}

// BroadcastTensor sends src's tensor to every rank.
func (g *tcpGroup) BroadcastTensor(t *tensors.Tensor, src int) (*tensors.Tensor, error) {
	var payload []byte
	if g.rank == src {
		var err error
		if payload, err = encodeTensor(t); err != nil {
			return nil, err
		}
	}
	received, err := g.round(opBroadcast, src, ReduceSum, payload)
	if err != nil {
		return nil, err
	}
	return decodeTensor(received)
}

// AllReduce combines one tensor per rank element-wise; all ranks receive the result.
func (g *tcpGroup) AllReduce(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error) {
	payload, err := encodeTensor(t)
	if err != nil {
		return nil, err
	}
	received, err := g.round(opAllReduce, 0, op, payload)
	if err != nil {
		return nil, err
	}
	return decodeTensor(received)
}

// AllGather stacks one tensor per rank, in rank order.
func (g *tcpGroup) AllGather(t *tensors.Tensor) (*tensors.Tensor, error) {
	payload, err := encodeTensor(t)
	if err != nil {
		return nil, err
	}
	received, err := g.round(opAllGather, 0, ReduceSum, payload)
	if err != nil {
		return nil, err
	}
	return decodeTensor(received)
}

// Close releases the group connection. Idempotent: the second and further calls are
// no-ops, so teardown after a partial setup never double-frees the group.
func (g *tcpGroup) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		if err := g.conn.Close(); err != nil {
			klog.V(1).Infof("rank %d: error closing process group connection: %v", g.rank, err)
		}
		if g.hub != nil {
			// Rank 0 waits for the hub to drain so the port is released on return.
			g.hub.wg.Wait()
		}
	})
	return nil
}
