// Package loopfab implements fabric.Fabric with all ranks inside one OS
// process: registrations are plain byte slices, Put is a memory copy and the
// rendezvous primitives are built on channels. It backs the engine's tests
// and the a2abench demo, and doubles as the reference for the completion
// semantics other fabrics must honor.
package loopfab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/hierall/fabric"
	"github.com/pkg/errors"
)

// NewCluster creates worldSize connected fabrics, one per rank, each owning
// gpusPerRank local device ordinals (0..gpusPerRank-1).
func NewCluster(worldSize, gpusPerRank int) []fabric.Fabric {
	c := &cluster{
		world:   worldSize,
		gates:   make(map[string]*gate),
		gathers: make(map[string]*gather),
		mems:    make(map[memKey][]byte),
	}
	fabrics := make([]fabric.Fabric, worldSize)
	for rank := range fabrics {
		gpus := make([]int, gpusPerRank)
		for i := range gpus {
			gpus[i] = i
		}
		fabrics[rank] = &Fabric{
			c: c,
			topo: fabric.Topology{
				WorldSize: worldSize,
				Rank:      rank,
				LocalGPUs: gpus,
			},
		}
	}
	return fabrics
}

type memKey struct {
	rank int
	id   uint64
}

// cluster is the state shared by all ranks of a loopback world.
type cluster struct {
	world int

	mu      sync.Mutex
	gates   map[string]*gate
	gathers map[string]*gather
	mems    map[memKey][]byte
}

// gate is a single-use all-rank arrival point.
type gate struct {
	arrived int
	done    chan struct{}
}

// gather is a single-use all-rank payload collection.
type gather struct {
	payloads    [][]byte
	contributed []bool
	arrived     int
	done        chan struct{}
}

func (c *cluster) arrive(ctx context.Context, tag string) error {
	c.mu.Lock()
	g := c.gates[tag]
	if g == nil {
		g = &gate{done: make(chan struct{})}
		c.gates[tag] = g
	}
	g.arrived++
	if g.arrived == c.world {
		close(g.done)
		// The tag is single-use; waiters hold their own reference.
		delete(c.gates, tag)
	}
	c.mu.Unlock()

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "rendezvous %q did not complete", tag)
	}
}

func (c *cluster) gatherAll(ctx context.Context, tag string, rank int, payload []byte) ([][]byte, error) {
	c.mu.Lock()
	g := c.gathers[tag]
	if g == nil {
		g = &gather{
			payloads:    make([][]byte, c.world),
			contributed: make([]bool, c.world),
			done:        make(chan struct{}),
		}
		c.gathers[tag] = g
	}
	if g.contributed[rank] {
		c.mu.Unlock()
		return nil, errors.Errorf("rank %d contributed twice to exchange %q", rank, tag)
	}
	g.contributed[rank] = true
	g.payloads[rank] = payload
	g.arrived++
	if g.arrived == c.world {
		close(g.done)
		delete(c.gathers, tag)
	}
	c.mu.Unlock()

	select {
	case <-g.done:
		return g.payloads, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "exchange %q did not complete", tag)
	}
}

// Fabric is one rank's endpoint into a loopback cluster.
type Fabric struct {
	c    *cluster
	topo fabric.Topology

	nextMem    atomic.Uint64
	barrierSeq atomic.Uint64
	closed     atomic.Bool
}

var _ fabric.Fabric = (*Fabric)(nil)

// Topology implements fabric.Fabric.
func (f *Fabric) Topology() fabric.Topology { return f.topo }

// RegisterMemory implements fabric.Fabric. The registration is the slice
// itself; remote Puts copy straight into it.
func (f *Fabric) RegisterMemory(buf []byte) (uint64, error) {
	if f.closed.Load() {
		return 0, errors.Errorf("rank %d: fabric is closed", f.topo.Rank)
	}
	if len(buf) == 0 {
		return 0, errors.Errorf("rank %d: cannot register empty buffer", f.topo.Rank)
	}
	id := f.nextMem.Add(1)
	f.c.mu.Lock()
	f.c.mems[memKey{rank: f.topo.Rank, id: id}] = buf
	f.c.mu.Unlock()
	return id, nil
}

// ExchangeRegions implements fabric.Fabric.
func (f *Fabric) ExchangeRegions(ctx context.Context, collective uint32, local []fabric.RegionDesc) ([][]fabric.RegionDesc, error) {
	payload, err := fabric.MarshalRegions(local)
	if err != nil {
		return nil, err
	}
	tag := fmt.Sprintf("regions/%d", collective)
	gathered, err := f.c.gatherAll(ctx, tag, f.topo.Rank, payload)
	if err != nil {
		return nil, err
	}
	all := make([][]fabric.RegionDesc, len(gathered))
	for rank, raw := range gathered {
		all[rank], err = fabric.UnmarshalRegions(raw)
		if err != nil {
			return nil, errors.WithMessagef(err, "regions from rank %d", rank)
		}
	}
	return all, nil
}

// Put implements fabric.Fabric: a direct copy into the target registration.
func (f *Fabric) Put(dst fabric.RegionDesc, dstOff int64, src []byte) error {
	f.c.mu.Lock()
	buf, ok := f.c.mems[memKey{rank: dst.Rank, id: dst.MemID}]
	f.c.mu.Unlock()
	if !ok {
		return errors.Errorf("put to unknown memory %d on rank %d", dst.MemID, dst.Rank)
	}
	if dstOff < 0 || dstOff+int64(len(src)) > int64(len(buf)) {
		return errors.Errorf("put out of bounds: [%d, %d) of %d bytes on rank %d",
			dstOff, dstOff+int64(len(src)), len(buf), dst.Rank)
	}
	copy(buf[dstOff:], src)
	return nil
}

// Barrier implements fabric.Fabric.
func (f *Fabric) Barrier(ctx context.Context) error {
	seq := f.barrierSeq.Add(1)
	return f.c.arrive(ctx, fmt.Sprintf("barrier/%d", seq))
}

// Rendezvous implements fabric.Fabric.
func (f *Fabric) Rendezvous(ctx context.Context, tag string) error {
	return f.c.arrive(ctx, "rdv/"+tag)
}

// Exchange implements fabric.Fabric.
func (f *Fabric) Exchange(ctx context.Context, tag string, payload []byte) ([][]byte, error) {
	return f.c.gatherAll(ctx, "ex/"+tag, f.topo.Rank, payload)
}

// Close implements fabric.Fabric.
func (f *Fabric) Close() error {
	f.closed.Store(true)
	return nil
}
