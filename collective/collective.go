// Package collective wraps the point-to-point, broadcast, reduce, all-gather and barrier
// primitives a distributed strategy needs, over a process group of N ranks.
//
// The wire transport is TCP: rank 0 runs a hub at the cluster environment's main
// address/port and every collective is a synchronous round through it (see NewGroup).
// All ranks must call the same sequence of collectives in the same order -- this is a
// caller contract the layer cannot enforce, although the hub detects and fails loudly on
// the subset of violations where two ranks issue different operations in the same round.
//
// Before a process group exists, Noop() provides the same interface with pass-through
// semantics, so code paths shared with single-device execution need no special casing.
//
// Tensors flow through collectives as their serialized form; gradient history is not
// preserved across a collective. Arbitrary Go values can be broadcast with
// BroadcastValue, which round-trips them through gob.
package collective

import (
	"bytes"
	"encoding/gob"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ReduceOp selects how AllReduce combines the per-rank contributions.
type ReduceOp int

const (
	// ReduceSum adds the contributions element-wise.
	ReduceSum ReduceOp = iota

	// ReduceMean averages the contributions element-wise. Also known as "avg".
	// For integer dtypes the mean truncates towards zero.
	ReduceMean
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMean:
		return "mean"
	}
	return "invalid"
}

// Group is a process group: the communication context binding a set of ranks for
// collective operations. Exactly one Group exists per strategy instance; it is created
// during setup and closed during teardown.
//
// Every method except Rank, WorldSize and Close is a collective: it blocks until all
// ranks of the group have entered the same call.
type Group interface {
	// Rank of this process within the group.
	Rank() int

	// WorldSize is the total number of ranks in the group.
	WorldSize() int

	// Barrier blocks until all ranks have entered it.
	Barrier() error

	// BroadcastBytes sends src's payload to every rank. Ranks other than src may pass
	// nil. All ranks (src included) receive src's payload.
	BroadcastBytes(data []byte, src int) ([]byte, error)

	// BroadcastTensor sends src's tensor to every rank. Ranks other than src may pass
	// nil.
	BroadcastTensor(t *tensors.Tensor, src int) (*tensors.Tensor, error)

	// AllReduce combines one tensor per rank element-wise with op; every rank receives
	// the identical result. Shapes must match across ranks.
	AllReduce(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error)

	// AllGather stacks one tensor per rank, in rank order, into a tensor of shape
	// (worldSize, dims...). A 0-dimensional (scalar) contribution of each rank yields
	// shape (worldSize,).
	AllGather(t *tensors.Tensor) (*tensors.Tensor, error)

	// Close releases the group. Idempotent; collectives after Close fail.
	Close() error
}

// BroadcastValue broadcasts an arbitrary gob-encodable Go value from rank src to every
// rank, round-tripping nested structures exactly. Ranks other than src pass their zero
// value (it is ignored).
func BroadcastValue[T any](g Group, value T, src int) (T, error) {
	var result T
	var payload []byte
	if g.Rank() == src {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
			return result, errors.Wrap(err, "failed to gob-encode broadcast value")
		}
		payload = buf.Bytes()
	}
	received, err := g.BroadcastBytes(payload, src)
	if err != nil {
		return result, err
	}
	if err := gob.NewDecoder(bytes.NewReader(received)).Decode(&result); err != nil {
		return result, errors.Wrap(err, "failed to gob-decode broadcast value")
	}
	return result, nil
}

// encodeTensor serializes t into a standalone byte payload.
func encodeTensor(t *tensors.Tensor) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.GobSerialize(gob.NewEncoder(&buf)); err != nil {
		return nil, errors.WithMessage(err, "failed to serialize tensor for collective")
	}
	return buf.Bytes(), nil
}

// decodeTensor deserializes a payload produced by encodeTensor.
func decodeTensor(data []byte) (*tensors.Tensor, error) {
	t, err := tensors.GobDeserialize(gob.NewDecoder(bytes.NewReader(data)))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to deserialize tensor from collective")
	}
	return t, nil
}

// stackTensors stacks the per-rank contributions (all the same shape) into a tensor of
// shape (len(parts), dims...). Scalar contributions yield shape (len(parts),).
func stackTensors(parts []*tensors.Tensor) (*tensors.Tensor, error) {
	first := parts[0].Shape()
	for rank, part := range parts {
		if !part.Shape().Equal(first) {
			return nil, errors.Errorf("all-gather shape mismatch: rank 0 contributed %s, rank %d contributed %s",
				first, rank, part.Shape())
		}
	}
	dims := append([]int{len(parts)}, first.Dimensions...)
	stacked := tensors.FromShape(shapes.Make(first.DType, dims...))
	stacked.MutableBytes(func(dst []byte) {
		offset := 0
		for _, part := range parts {
			part.ConstBytes(func(src []byte) {
				copy(dst[offset:offset+len(src)], src)
				offset += len(src)
			})
		}
	})
	return stacked, nil
}

// reduceTensors reduces the per-rank contributions element-wise into a new tensor.
func reduceTensors(parts []*tensors.Tensor, op ReduceOp) (*tensors.Tensor, error) {
	first := parts[0].Shape()
	for rank, part := range parts {
		if !part.Shape().Equal(first) {
			return nil, errors.Errorf("all-reduce shape mismatch: rank 0 contributed %s, rank %d contributed %s",
				first, rank, part.Shape())
		}
	}
	switch first.DType {
	case dtypes.Float32:
		return reduceFlat[float32](parts, op), nil
	case dtypes.Float64:
		return reduceFlat[float64](parts, op), nil
	case dtypes.Int32:
		return reduceFlat[int32](parts, op), nil
	case dtypes.Int64:
		return reduceFlat[int64](parts, op), nil
	}
	return nil, errors.Errorf("all-reduce does not support dtype %s", first.DType)
}

func reduceFlat[T float32 | float64 | int32 | int64](parts []*tensors.Tensor, op ReduceOp) *tensors.Tensor {
	out := parts[0].LocalClone()
	tensors.MutableFlatData[T](out, func(acc []T) {
		for _, part := range parts[1:] {
			tensors.ConstFlatData[T](part, func(flat []T) {
				for i, v := range flat {
					acc[i] += v
				}
			})
		}
		if op == ReduceMean {
			n := T(len(parts))
			for i := range acc {
				acc[i] /= n
			}
		}
	})
	return out
}
