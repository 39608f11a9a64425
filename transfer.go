package hierall

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/hierall/device"
)

// bucketOwner maps a destination bucket to the local GPU servicing it on the
// destination rank. Buckets beyond the local GPU count (relay buckets) alias
// cyclically onto the same GPUs.
func bucketOwner(bucket, numLocalGPUs int) int {
	return bucket % numLocalGPUs
}

// PostTransfer issues the full variable-size all-to-all for one local GPU:
// for every destination slot s, send_sizes[s] bytes from the send buffer's
// slot s land in the mirrored receive slot of the GPU owning that bucket on
// the destination rank. Intra-process destinations go through the local copy
// path, remote ones through the fabric; both use the same slot addressing.
//
// The call is non-blocking: it only schedules work on the GPU's communication
// stream, ordered after the compute stream's prior work. The compute stream
// in turn waits for transfer completion, so work enqueued on it afterwards
// observes the received data. Errors detected at execution time surface on
// Synchronize.
func (c *Comm) PostTransfer(h Handle, gpu int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, b, err := c.postable(h, gpu)
	if err != nil {
		return err
	}
	c.issueTransfer(col, b, gpu)
	return nil
}

// PostAll posts the transfer on every local GPU in parallel.
func (c *Comm) PostAll(h Handle) error {
	return c.forEachGPU(func(gpu int) error {
		return c.PostTransfer(h, gpu)
	})
}

// postable checks that a transfer may be issued for (h, gpu); callers hold
// c.mu.
func (c *Comm) postable(h Handle, gpu int) (*collective, *gpuBinding, error) {
	col, b, err := c.binding(h, gpu)
	if err != nil {
		return nil, nil, err
	}
	if !c.ready {
		return nil, nil, errors.Wrapf(ErrPrecondition, "engine is not ready; call MarkReady first")
	}
	if col.state != stateCommitted {
		return nil, nil, errors.Wrapf(ErrPrecondition, "handle %d is not committed", h)
	}
	if b.sendSizes == nil || b.recvSizes == nil {
		return nil, nil, errors.Wrapf(ErrPrecondition, "handle %d GPU %d has no size tables loaded", h, gpu)
	}
	return col, b, nil
}

// issueTransfer schedules one transfer invocation across the GPU's compute
// and communication streams. Callers hold c.mu. Under stream capture the
// same sequence is recorded instead of executed.
func (c *Comm) issueTransfer(col *collective, b *gpuBinding, gpu int) {
	comm := c.commStreams[gpu]
	started := b.compute.RecordEvent()
	comm.WaitEvent(started)
	comm.Enqueue(func() error {
		return c.runTransfer(col, b, gpu)
	})
	done := comm.RecordEvent()
	b.compute.WaitEvent(done)
}

// runTransfer executes one invocation on the communication stream: it reads
// the device size tables, validates them against the slot capacity, moves
// every non-empty slot, then rendezvouses with the peers so the local receive
// buffer is complete when it returns.
func (c *Comm) runTransfer(col *collective, b *gpuBinding, gpu int) error {
	seq := b.seq.Add(1)

	c.mu.Lock()
	sendSizes, err := b.sendSizes.Uint64s()
	var recvSizes []uint64
	if err == nil {
		recvSizes, err = b.recvSizes.Uint64s()
	}
	c.mu.Unlock()
	if err != nil {
		return errors.WithMessagef(err, "reading size tables of handle %d GPU %d", col.handle, gpu)
	}

	// Tables may be bound with slack past the last slot; only the first
	// numSlots entries are meaningful.
	sendSizes = sendSizes[:col.numSlots]
	recvSizes = recvSizes[:col.numSlots]

	// Validate both whole tables before moving anything: a transfer either
	// runs in full or not at all.
	for s, n := range sendSizes {
		if int64(n) > col.slotBytes {
			return errors.Wrapf(ErrPrecondition,
				"handle %d GPU %d invocation %d: send_sizes[%d] = %d bytes exceeds slot capacity %d",
				col.handle, gpu, seq, s, n, col.slotBytes)
		}
	}
	for s, n := range recvSizes {
		if int64(n) > col.slotBytes {
			return errors.Wrapf(ErrPrecondition,
				"handle %d GPU %d invocation %d: recv_sizes[%d] = %d bytes exceeds slot capacity %d",
				col.handle, gpu, seq, s, n, col.slotBytes)
		}
	}

	if c.sizeCheck {
		ctx, cancel := c.bounded(context.Background())
		tag := fmt.Sprintf("sizecheck/%d/x/%d/%d", col.handle, gpu, seq)
		err := c.verifySizes(ctx, col, tag)
		cancel()
		if err != nil {
			return err
		}
	}

	mirror := col.slotOffset(c.topo.Rank*col.numBuckets + gpu)
	var moved int64
	for s, n := range sendSizes {
		if n == 0 {
			continue
		}
		dstRank := s / col.numBuckets
		bucket := s % col.numBuckets
		dstGPU := bucketOwner(bucket, len(c.devices))
		srcOff := col.slotOffset(s)
		if dstRank == c.topo.Rank {
			if err := device.CopyAt(col.gpus[dstGPU].recv, mirror, b.send, srcOff, int64(n)); err != nil {
				return errors.WithMessagef(err, "local copy of slot %d (handle %d GPU %d)", s, col.handle, gpu)
			}
		} else {
			payload, err := b.send.BytesAt(srcOff, int64(n))
			if err != nil {
				return errors.WithMessagef(err, "reading slot %d (handle %d GPU %d)", s, col.handle, gpu)
			}
			if err := c.fab.Put(col.remote[dstRank][dstGPU], mirror, payload); err != nil {
				return errors.WithMessagef(err, "remote write of slot %d to rank %d GPU %d (handle %d)",
					s, dstRank, dstGPU, col.handle)
			}
		}
		moved += int64(n)
	}
	klog.V(2).Infof("hierall: rank %d GPU %d handle %d invocation %d moved %d bytes",
		c.topo.Rank, gpu, col.handle, seq, moved)

	// All ranks issue symmetric invocations, so this rendezvous means every
	// peer's writes into our receive buffer have landed too.
	ctx, cancel := c.bounded(context.Background())
	defer cancel()
	tag := fmt.Sprintf("xfer/%d/%d/%d", col.handle, gpu, seq)
	if err := c.fab.Rendezvous(ctx, tag); err != nil {
		return c.wrapTimeout(err, fmt.Sprintf("transfer completion (handle %d GPU %d invocation %d)",
			col.handle, gpu, seq))
	}
	return nil
}
