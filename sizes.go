package hierall

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hierall/device"
)

// UpdateSizes points one local GPU at new device-resident size tables, the
// per-invocation outcome of size negotiation. Both regions hold Uint64 byte
// counts, one per destination slot. The engine reads them at transfer
// execution time, so refilling the same regions between invocations needs no
// further calls; swapping in different regions invalidates any captured
// transfer graph for the GPU.
func (c *Comm) UpdateSizes(h Handle, gpu int, sendSizes, recvSizes *device.Region) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, b, err := c.binding(h, gpu)
	if err != nil {
		return err
	}
	if sendSizes == nil || recvSizes == nil {
		return errors.Wrapf(ErrPrecondition, "nil size table for handle %d GPU %d", h, gpu)
	}
	for _, r := range []*device.Region{sendSizes, recvSizes} {
		if r.DType() != dtypes.Uint64 {
			return errors.Wrapf(ErrConfiguration, "size tables must be %s, got %s", dtypes.Uint64, r.DType())
		}
		if r.NumElements() < col.numSlots {
			return errors.Wrapf(ErrConfiguration,
				"size table holds %d entries, handle %d needs %d", r.NumElements(), h, col.numSlots)
		}
	}
	if b.sendSizes != sendSizes || b.recvSizes != recvSizes {
		b.graph = nil
	}
	b.sendSizes = sendSizes
	b.recvSizes = recvSizes
	return nil
}

// sizeTables is the per-rank payload of a size cross-check, indexed by local
// GPU.
type sizeTables struct {
	Send [][]uint64 `msgpack:"s"`
	Recv [][]uint64 `msgpack:"r"`
}

// VerifySizes cross-checks the negotiated size tables across all ranks: for
// every (sender GPU, destination GPU) pair, the bytes the sender intends to
// write must match what the destination expects in the mirrored slot. It is
// collective; all ranks must call it the same number of times per handle.
// Mismatches report ErrDataIntegrity and name the offending pair.
func (c *Comm) VerifySizes(ctx context.Context, h Handle) error {
	c.mu.Lock()
	col, err := c.collective(h)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if col.state != stateCommitted {
		c.mu.Unlock()
		return errors.Wrapf(ErrPrecondition, "handle %d is not committed", h)
	}
	c.mu.Unlock()
	tag := fmt.Sprintf("sizecheck/%d/v%d", h, col.checkSeq.Add(1))
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.verifySizes(ctx, col, tag)
}

// verifySizes exchanges this rank's size tables under tag and checks them
// against every peer's.
func (c *Comm) verifySizes(ctx context.Context, col *collective, tag string) error {
	local := sizeTables{
		Send: make([][]uint64, len(col.gpus)),
		Recv: make([][]uint64, len(col.gpus)),
	}
	c.mu.Lock()
	for gpu, b := range col.gpus {
		if b.sendSizes == nil || b.recvSizes == nil {
			c.mu.Unlock()
			return errors.Wrapf(ErrPrecondition, "handle %d GPU %d has no size tables loaded", col.handle, gpu)
		}
		var err error
		local.Send[gpu], err = b.sendSizes.Uint64s()
		if err == nil {
			local.Recv[gpu], err = b.recvSizes.Uint64s()
		}
		if err != nil {
			c.mu.Unlock()
			return errors.WithMessagef(err, "reading size tables of handle %d GPU %d", col.handle, gpu)
		}
	}
	c.mu.Unlock()

	payload, err := msgpack.Marshal(&local)
	if err != nil {
		return errors.Wrap(err, "encoding size tables")
	}
	raw, err := c.fab.Exchange(ctx, tag, payload)
	if err != nil {
		return c.wrapTimeout(err, "size table exchange")
	}
	all := make([]sizeTables, len(raw))
	for rank, p := range raw {
		if err := msgpack.Unmarshal(p, &all[rank]); err != nil {
			return errors.Wrapf(ErrConfiguration, "rank %d sent an undecodable size table: %v", rank, err)
		}
		if len(all[rank].Send) != len(col.gpus) || len(all[rank].Recv) != len(col.gpus) {
			return errors.Wrapf(ErrConfiguration,
				"rank %d sent size tables for %d GPUs, expected %d", rank, len(all[rank].Send), len(col.gpus))
		}
	}

	// A sender's buckets owned by the same destination GPU land in the same
	// mirrored slot, so the check aggregates per (sender GPU, destination
	// GPU) pair.
	numLocal := len(c.devices)
	for src := range all {
		for i := 0; i < numLocal; i++ {
			sent := make([]int64, c.topo.WorldSize*numLocal)
			for s, n := range all[src].Send[i][:col.numSlots] {
				dstRank := s / col.numBuckets
				dstGPU := bucketOwner(s%col.numBuckets, numLocal)
				sent[dstRank*numLocal+dstGPU] += int64(n)
			}
			mirror := src*col.numBuckets + i
			for dstRank := 0; dstRank < c.topo.WorldSize; dstRank++ {
				for dstGPU := 0; dstGPU < numLocal; dstGPU++ {
					want := int64(all[dstRank].Recv[dstGPU][mirror])
					got := sent[dstRank*numLocal+dstGPU]
					if got != want {
						return errors.Wrapf(ErrDataIntegrity,
							"rank %d GPU %d sends %d bytes to rank %d GPU %d, which expects %d (handle %d)",
							src, i, got, dstRank, dstGPU, want, col.handle)
					}
				}
			}
		}
	}
	klog.V(2).Infof("hierall: rank %d size check %q passed for handle %d", c.topo.Rank, tag, col.handle)
	return nil
}
