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

// opKind identifies a collective operation on the wire.
type opKind uint8

const (
	opBarrier opKind = iota + 1
	opBroadcast
	opAllReduce
	opAllGather
)

// String implements fmt.Stringer.
func (k opKind) String() string {
	switch k {
	case opBarrier:
		return "barrier"
	case opBroadcast:
		return "broadcast"
	case opAllReduce:
		return "all-reduce"
	case opAllGather:
		return "all-gather"
	}
	return "invalid"
}

// joinRequest is the first message a rank sends to the hub.
type joinRequest struct {
	Rank      int
	WorldSize int
}

// joinReply completes the rendezvous; a non-empty Err fails the join on all ranks.
type joinReply struct {
	Err string
}

// request is one rank's entry into a collective round.
type request struct {
	Seq     uint64
	Kind    opKind
	Src     int
	Reduce  ReduceOp
	Payload []byte
}

// response completes a collective round for one rank.
type response struct {
	Seq     uint64
	Err     string
	Payload []byte
}

// session is the hub's view of one rank's connection.
type session struct {
	rank int
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// rankedRequest is what the per-session reader goroutines feed the hub's round loop.
// err is set when the session's connection broke (the rank left or died).
type rankedRequest struct {
	rank int
	req  request
	err  error
}

// hub is the rank-0 coordinator of the process group. Every collective is a synchronous
// round: the hub collects exactly one request per rank, verifies all ranks entered the
// same operation, computes the result and answers every rank.
type hub struct {
	worldSize   int
	joinTimeout time.Duration
	listener    net.Listener
	selfConn    net.Conn // server side of rank 0's in-process pipe.

	sessions []*session
	reqCh    chan rankedRequest
	wg       sync.WaitGroup
}

func newHub(listener net.Listener, selfConn net.Conn, worldSize int, joinTimeout time.Duration) *hub {
	return &hub{
		worldSize:   worldSize,
		joinTimeout: joinTimeout,
		listener:    listener,
		selfConn:    selfConn,
		sessions:    make([]*session, worldSize),
		reqCh:       make(chan rankedRequest, worldSize),
	}
}

// start performs the rendezvous: it waits for every rank (including rank 0 through its
// pipe) to send a joinRequest within the join timeout. On success the round loop is
// running when start returns; on failure all joined ranks receive the error.
func (h *hub) start() error {
	type joined struct {
		sess *session
		err  error
	}
	joinCh := make(chan joined, h.worldSize)

	handshake := func(conn net.Conn) {
		_ = conn.SetDeadline(time.Now().Add(h.joinTimeout))
		sess := &session{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
		var join joinRequest
		if err := sess.dec.Decode(&join); err != nil {
			joinCh <- joined{err: errors.Wrap(err, "failed to read join request")}
			return
		}
		sess.rank = join.Rank
		if join.Rank < 0 || join.Rank >= h.worldSize || join.WorldSize != h.worldSize {
			joinCh <- joined{err: errors.Errorf(
				"inconsistent join: rank %d, world size %d (hub world size %d)",
				join.Rank, join.WorldSize, h.worldSize)}
			return
		}
		joinCh <- joined{sess: sess}
	}

	go handshake(h.selfConn)
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for i := 0; i < h.worldSize-1; i++ {
			conn, err := h.listener.Accept()
			if err != nil {
				return // Listener closed by the deadline path below.
			}
			go handshake(conn)
		}
	}()

	deadline := time.NewTimer(h.joinTimeout)
	defer deadline.Stop()
	var joinErr error
	for count := 0; count < h.worldSize; {
		select {
		case j := <-joinCh:
			if j.err != nil {
				joinErr = j.err
			} else if h.sessions[j.sess.rank] != nil {
				joinErr = errors.Errorf("rank %d joined the process group twice", j.sess.rank)
			} else {
				h.sessions[j.sess.rank] = j.sess
				count++
				continue
			}
		case <-deadline.C:
			joinErr = errors.Errorf("process group rendezvous timed out after %s: "+
				"not all %d ranks joined", h.joinTimeout, h.worldSize)
		}
		break
	}
	_ = h.listener.Close()
	<-acceptDone

	if joinErr != nil {
		h.failJoined(joinErr)
		return joinErr
	}

	for _, sess := range h.sessions {
		_ = sess.conn.SetDeadline(time.Time{})
		if err := sess.enc.Encode(&joinReply{}); err != nil {
			joinErr = errors.Wrapf(err, "failed to acknowledge join of rank %d", sess.rank)
			h.failJoined(joinErr)
			return joinErr
		}
	}

	for _, sess := range h.sessions {
		h.wg.Add(1)
		go h.readLoop(sess)
	}
	h.wg.Add(1)
	go h.roundLoop()
	return nil
}

// failJoined notifies the ranks that did join about a failed rendezvous and closes them.
func (h *hub) failJoined(err error) {
	for _, sess := range h.sessions {
		if sess == nil {
			continue
		}
		_ = sess.enc.Encode(&joinReply{Err: err.Error()})
		_ = sess.conn.Close()
	}
}

// readLoop feeds one session's requests into the round loop until the connection breaks.
func (h *hub) readLoop(sess *session) {
	defer h.wg.Done()
	for {
		var req request
		if err := sess.dec.Decode(&req); err != nil {
			h.reqCh <- rankedRequest{rank: sess.rank, err: err}
			return
		}
		h.reqCh <- rankedRequest{rank: sess.rank, req: req}
	}
}

// roundLoop runs collective rounds until every rank has left the group.
//
// Once any rank leaves (connection closed or broken) the group is drained: all further
// requests are answered with an error, since a collective without all ranks can never
// complete. A rank dying mid-round therefore fails the round for everyone instead of
// hanging it.
func (h *hub) roundLoop() {
	defer h.wg.Done()
	defer func() {
		for _, sess := range h.sessions {
			_ = sess.conn.Close()
		}
	}()

	left := make([]bool, h.worldSize)
	numLeft := 0
	pending := make([]*request, h.worldSize)
	numPending := 0

	failPending := func(err error) {
		for rank, req := range pending {
			if req == nil {
				continue
			}
			h.respond(rank, response{Seq: req.Seq, Err: err.Error()})
			pending[rank] = nil
		}
		numPending = 0
	}

	for numLeft < h.worldSize {
		rr := <-h.reqCh
		if rr.err != nil {
			if !left[rr.rank] {
				left[rr.rank] = true
				numLeft++
			}
			if numPending > 0 {
				failPending(errors.Errorf("rank %d left the process group mid-collective", rr.rank))
			}
			continue
		}
		if numLeft > 0 {
			h.respond(rr.rank, response{Seq: rr.req.Seq,
				Err: fmt.Sprintf("process group shrank: %d of %d ranks already left", numLeft, h.worldSize)})
			continue
		}
		pending[rr.rank] = &rr.req
		numPending++
		if numPending < h.worldSize {
			continue
		}

		h.completeRound(pending)
		for rank := range pending {
			pending[rank] = nil
		}
		numPending = 0
	}
}

// completeRound verifies the collected round is consistent and answers every rank.
func (h *hub) completeRound(pending []*request) {
	first := pending[0]
	for rank := 1; rank < h.worldSize; rank++ {
		req := pending[rank]
		if req.Kind != first.Kind || req.Seq != first.Seq || req.Src != first.Src || req.Reduce != first.Reduce {
			err := fmt.Sprintf(
				"collective mismatch: rank 0 called %s (seq %d), rank %d called %s (seq %d) -- "+
					"all ranks must call the same sequence of collectives in the same order",
				first.Kind, first.Seq, rank, req.Kind, req.Seq)
			klog.Errorf("process group hub: %s", err)
			for r, rReq := range pending {
				h.respond(r, response{Seq: rReq.Seq, Err: err})
			}
			return
		}
	}

	payloads, err := h.computeRound(pending)
	for rank := range pending {
		resp := response{Seq: first.Seq}
		if err != nil {
			resp.Err = err.Error()
		} else if payloads != nil {
			resp.Payload = payloads[rank]
		}
		h.respond(rank, resp)
	}
}

// computeRound produces the per-rank response payloads for a consistent round.
func (h *hub) computeRound(pending []*request) ([][]byte, error) {
	first := pending[0]
	switch first.Kind {
	case opBarrier:
		return nil, nil

	case opBroadcast:
		if first.Src < 0 || first.Src >= h.worldSize {
			return nil, errors.Errorf("broadcast source rank %d out of range [0, %d)", first.Src, h.worldSize)
		}
		payloads := make([][]byte, h.worldSize)
		for rank := range payloads {
			payloads[rank] = pending[first.Src].Payload
		}
		return payloads, nil

	case opAllReduce, opAllGather:
		parts := make([]*tensors.Tensor, h.worldSize)
		for rank, req := range pending {
			part, err := decodeTensor(req.Payload)
			if err != nil {
				return nil, errors.WithMessagef(err, "invalid %s contribution from rank %d", first.Kind, rank)
			}
			parts[rank] = part
		}
		var result *tensors.Tensor
		var err error
		if first.Kind == opAllReduce {
			result, err = reduceTensors(parts, first.Reduce)
		} else {
			result, err = stackTensors(parts)
		}
		if err != nil {
			return nil, err
		}
		encoded, err := encodeTensor(result)
		if err != nil {
			return nil, err
		}
		payloads := make([][]byte, h.worldSize)
		for rank := range payloads {
			payloads[rank] = encoded
		}
		return payloads, nil
	}
	return nil, errors.Errorf("unknown collective kind %d", first.Kind)
}

// respond sends a response to one rank, tolerating a broken connection (the rank's
// departure will surface through its readLoop).
func (h *hub) respond(rank int, resp response) {
	sess := h.sessions[rank]
	if err := sess.enc.Encode(&resp); err != nil {
		klog.V(1).Infof("process group hub: failed to respond to rank %d: %v", rank, err)
	}
}
