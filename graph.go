package hierall

import (
	"github.com/pkg/errors"

	"github.com/gomlx/hierall/device"
)

// TransferGraph is a captured transfer invocation for one local GPU,
// relaunchable without re-issuing the stream operations. The captured
// sequence reads the device size tables at launch time, so refilling the
// same tables in place changes what the replay moves; pointing the GPU at
// different table regions invalidates the graph.
type TransferGraph struct {
	comm *Comm
	col  *collective
	b    *gpuBinding
	gpu  int

	computeGraph *device.Graph
	commGraph    *device.Graph

	// Size-table identities at capture time, for staleness detection.
	sendSizes, recvSizes *device.Region
}

// CaptureTransfer records one transfer invocation for the local GPU into a
// relaunchable graph instead of executing it. The handle must be ready and
// have size tables loaded, the same preconditions as PostTransfer.
func (c *Comm) CaptureTransfer(h Handle, gpu int) (*TransferGraph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, b, err := c.postable(h, gpu)
	if err != nil {
		return nil, err
	}
	comm := c.commStreams[gpu]
	if err := b.compute.BeginCapture(); err != nil {
		return nil, err
	}
	if err := comm.BeginCapture(); err != nil {
		_, _ = b.compute.EndCapture()
		return nil, err
	}
	c.issueTransfer(col, b, gpu)
	g := &TransferGraph{
		comm:      c,
		col:       col,
		b:         b,
		gpu:       gpu,
		sendSizes: b.sendSizes,
		recvSizes: b.recvSizes,
	}
	g.computeGraph, err = b.compute.EndCapture()
	if err == nil {
		g.commGraph, err = comm.EndCapture()
	}
	if err != nil {
		return nil, err
	}
	b.graph = g
	return g, nil
}

// Launch replays the captured invocation on the original streams. At most
// one launch may be outstanding per graph: synchronize the GPU before
// relaunching, otherwise the rearmed events race with the previous replay.
func (g *TransferGraph) Launch() error {
	c := g.comm
	c.mu.Lock()
	stale := g.b.sendSizes != g.sendSizes || g.b.recvSizes != g.recvSizes
	c.mu.Unlock()
	if stale {
		return errors.Wrapf(ErrPrecondition,
			"size tables of handle %d GPU %d changed since capture; re-capture the transfer", g.col.handle, g.gpu)
	}
	// Rearm both sides before enqueueing either, so neither stream can
	// observe a still-fired event from the previous replay.
	g.computeGraph.Reset()
	g.commGraph.Reset()
	if err := c.commStreams[g.gpu].Launch(g.commGraph); err != nil {
		return err
	}
	return g.b.compute.Launch(g.computeGraph)
}

// LaunchAll replays the cached transfer graph on every local GPU, capturing
// one first where none exists yet. It amortizes per-invocation launch
// overhead for repeated transfers with in-place size updates.
func (c *Comm) LaunchAll(h Handle) error {
	return c.forEachGPU(func(gpu int) error {
		c.mu.Lock()
		_, b, err := c.binding(h, gpu)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		g := b.graph
		c.mu.Unlock()
		if g == nil {
			g, err = c.CaptureTransfer(h, gpu)
			if err != nil {
				return err
			}
		}
		return g.Launch()
	})
}
