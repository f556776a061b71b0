package collective

import (
	"github.com/gomlx/gomlx/types/tensors"
)

// noopGroup is the "not yet launched" process group: every collective degrades to a
// pass-through over this single rank, instead of raising. It is also the natural group
// for world size 1.
type noopGroup struct{}

// Noop returns a Group of world size 1 whose collectives are pass-throughs.
func Noop() Group { return noopGroup{} }

func (noopGroup) Rank() int      { return 0 }
func (noopGroup) WorldSize() int { return 1 }

func (noopGroup) Barrier() error { return nil }

func (noopGroup) BroadcastBytes(data []byte, src int) ([]byte, error) { return data, nil }

func (noopGroup) BroadcastTensor(t *tensors.Tensor, src int) (*tensors.Tensor, error) {
	return t, nil
}

func (noopGroup) AllReduce(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error) {
	return t, nil
}

func (noopGroup) AllGather(t *tensors.Tensor) (*tensors.Tensor, error) {
	return stackTensors([]*tensors.Tensor{t})
}

func (noopGroup) Close() error { return nil }
