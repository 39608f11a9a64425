package hierall

import (
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/hierall/device"
	"github.com/gomlx/hierall/fabric"
)

type collState int

const (
	// stateRegistered: topology fixed, buffers being bound.
	stateRegistered collState = iota
	// stateCommitted: buffers exposed for remote access; layout frozen.
	stateCommitted
)

func (s collState) String() string {
	if s == stateRegistered {
		return "registered"
	}
	return "committed"
}

// gpuBinding holds one local GPU's bindings for a collective.
type gpuBinding struct {
	compute *device.Stream

	send, recv           *device.Region
	sendSizes, recvSizes *device.Region

	// graph is the cached capture used by LaunchAll; nil until captured,
	// reset to nil whenever bindings or size-table addresses change.
	graph *TransferGraph

	// seq numbers transfer invocations; incremented at execution time so
	// graph replays keep advancing it.
	seq atomic.Uint64
}

// collective is the engine-owned state of one registered A2Av topology.
type collective struct {
	handle     Handle
	numBuckets int
	state      collState

	// Slot layout, fixed by the first BindBuffers call.
	dtype     dtypes.DType
	slotElems int   // max elements per destination slot
	slotBytes int64 // slotElems * element size
	numSlots  int   // worldSize * numBuckets

	gpus []*gpuBinding

	// remote holds the receive-region descriptors of every rank's local
	// GPUs, indexed [rank][localGPU]; filled at commit.
	remote [][]fabric.RegionDesc

	// checkSeq numbers VerifySizes rounds so their exchange tags are
	// single-use.
	checkSeq atomic.Uint64
}

// slotOffset returns the byte offset of slot s within a payload region.
func (col *collective) slotOffset(s int) int64 {
	return int64(s) * col.slotBytes
}

// setLayout fixes (or checks, on subsequent GPUs) the slot layout implied by
// a bound payload region.
func (col *collective) setLayout(r *device.Region) error {
	slotElems := r.NumElements() / col.numSlots
	if slotElems == 0 {
		return errors.Wrapf(ErrConfiguration,
			"region of %d elements cannot hold %d slots", r.NumElements(), col.numSlots)
	}
	if col.slotElems == 0 {
		col.dtype = r.DType()
		col.slotElems = slotElems
		col.slotBytes = int64(slotElems * r.ElemBytes())
		return nil
	}
	if r.DType() != col.dtype || r.NumElements()/col.numSlots != col.slotElems {
		return errors.Wrapf(ErrConfiguration,
			"buffer layout mismatch: collective uses %d x %s per slot, got region of %d x %s",
			col.slotElems, col.dtype, r.NumElements(), r.DType())
	}
	return nil
}

// MaxElemsPerDest returns the fixed per-slot element capacity of the handle,
// available once buffers are bound.
func (c *Comm) MaxElemsPerDest(h Handle) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, err := c.collective(h)
	if err != nil {
		return 0, err
	}
	if col.slotElems == 0 {
		return 0, errors.Wrapf(ErrPrecondition, "handle %d has no buffers bound yet", h)
	}
	return col.slotElems, nil
}

// NumSlots returns the number of destination slots per local GPU
// (worldSize * numBuckets) of the handle.
func (c *Comm) NumSlots(h Handle) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, err := c.collective(h)
	if err != nil {
		return 0, err
	}
	return col.numSlots, nil
}
