package hierall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/hierall/device"
	"github.com/gomlx/hierall/fabric"
	"github.com/gomlx/hierall/internal/utils"
)

// DefaultTimeout bounds collective rendezvous (commit, ready barrier,
// transfer completion exchange) unless overridden with WithTimeout.
const DefaultTimeout = 30 * time.Second

// Option configures a Comm. See WithTimeout and WithSizeCheck.
type Option func(*Comm)

// WithTimeout sets the bounded wait applied to collective rendezvous points.
// On expiry they fail with ErrReadinessTimeout instead of hanging on a
// stalled peer.
func WithTimeout(d time.Duration) Option {
	return func(c *Comm) { c.timeout = d }
}

// WithSizeCheck makes every posted transfer first exchange and cross-check
// the size tables across ranks (see VerifySizes). It trades one extra
// control-plane round trip per invocation for catching negotiation bugs
// before they corrupt receive buffers. Meant for debugging, not production.
func WithSizeCheck() Option {
	return func(c *Comm) { c.sizeCheck = true }
}

// Comm is the engine context for one process: it owns the collective table,
// the per-GPU communication streams, and the process-wide readiness state.
// There is no ambient global state; independent Comm instances coexist.
type Comm struct {
	fab     fabric.Fabric
	topo    fabric.Topology
	devices []*device.Device

	// commStreams holds one engine-owned communication stream per local GPU.
	commStreams []*device.Stream

	timeout   time.Duration
	sizeCheck bool

	mu    sync.Mutex
	colls []*collective
	ready bool
}

// New creates the engine context for this process. devices must match the
// fabric topology's local GPU list, in order.
func New(fab fabric.Fabric, devices []*device.Device, opts ...Option) (*Comm, error) {
	topo := fab.Topology()
	if topo.WorldSize < 1 || topo.Rank < 0 || topo.Rank >= topo.WorldSize {
		return nil, errors.Wrapf(ErrConfiguration, "invalid topology: rank %d of %d", topo.Rank, topo.WorldSize)
	}
	if len(devices) == 0 || len(devices) != len(topo.LocalGPUs) {
		return nil, errors.Wrapf(ErrConfiguration,
			"got %d devices for a topology with %d local GPUs", len(devices), len(topo.LocalGPUs))
	}
	seen := utils.MakeSet[int](len(devices))
	for _, d := range devices {
		if seen.Has(d.ID()) {
			return nil, errors.Wrapf(ErrConfiguration, "duplicate device id %d", d.ID())
		}
		seen.Insert(d.ID())
	}
	c := &Comm{
		fab:     fab,
		topo:    topo,
		devices: devices,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.commStreams = make([]*device.Stream, len(devices))
	for i, d := range devices {
		c.commStreams[i] = d.NewStream(fmt.Sprintf("hierall-comm-%d", i))
	}
	klog.V(1).Infof("hierall: rank %d/%d with %d local GPUs", topo.Rank, topo.WorldSize, len(devices))
	return c, nil
}

// Topology returns the immutable process topology the engine runs on.
func (c *Comm) Topology() fabric.Topology { return c.topo }

// collective looks a handle up; callers hold c.mu.
func (c *Comm) collective(h Handle) (*collective, error) {
	if h < 0 || int(h) >= len(c.colls) {
		return nil, errors.Wrapf(ErrPrecondition, "unknown handle %d", h)
	}
	return c.colls[h], nil
}

// binding looks up a handle's per-GPU state; callers hold c.mu.
func (c *Comm) binding(h Handle, gpu int) (*collective, *gpuBinding, error) {
	col, err := c.collective(h)
	if err != nil {
		return nil, nil, err
	}
	if gpu < 0 || gpu >= len(col.gpus) {
		return nil, nil, errors.Wrapf(ErrPrecondition, "local GPU index %d out of range [0, %d)", gpu, len(col.gpus))
	}
	return col, col.gpus[gpu], nil
}

// Register allocates a new collective topology with numBuckets logical
// destination buckets per rank. All ranks must register identical topologies
// in identical order; that symmetry is a protocol invariant and is
// cross-checked at Commit.
func (c *Comm) Register(numBuckets int) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return 0, errors.Wrapf(ErrConfiguration, "cannot register a collective after MarkReady")
	}
	if numBuckets < 1 {
		return 0, errors.Wrapf(ErrConfiguration, "numBuckets must be >= 1, got %d", numBuckets)
	}
	if numBuckets < len(c.devices) {
		// Each local GPU needs a bucket identity on its peers for the
		// mirrored receive slot.
		return 0, errors.Wrapf(ErrConfiguration,
			"numBuckets (%d) must cover all %d local GPUs", numBuckets, len(c.devices))
	}
	col := &collective{
		handle:     Handle(len(c.colls)),
		numBuckets: numBuckets,
		numSlots:   c.topo.WorldSize * numBuckets,
		gpus:       make([]*gpuBinding, len(c.devices)),
	}
	for i := range col.gpus {
		col.gpus[i] = &gpuBinding{}
	}
	c.colls = append(c.colls, col)
	klog.V(1).Infof("hierall: rank %d registered handle %d (%d buckets, %d slots)",
		c.topo.Rank, col.handle, numBuckets, col.numSlots)
	return col.handle, nil
}

// BindStream associates a local GPU's compute stream with the handle. The
// engine schedules its communication stream relative to this stream and
// makes it wait on transfer completion.
func (c *Comm) BindStream(h Handle, gpu int, s *device.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, b, err := c.binding(h, gpu)
	if err != nil {
		return err
	}
	if col.state != stateRegistered {
		return errors.Wrapf(ErrPrecondition, "handle %d is %s; streams must be bound before commit", h, col.state)
	}
	if s == nil {
		return errors.Wrapf(ErrPrecondition, "nil stream for handle %d GPU %d", h, gpu)
	}
	b.compute = s
	return nil
}

// BindBuffers records the payload regions for one local GPU. It must be
// called exactly once per local GPU before Commit; rebinding after commit is
// unsupported. The slot capacity (MaxElemsPerDest) derives from the region
// capacity divided by the slot count, fixed by the first bound GPU.
func (c *Comm) BindBuffers(h Handle, gpu int, send, recv *device.Region) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, b, err := c.binding(h, gpu)
	if err != nil {
		return err
	}
	if col.state != stateRegistered {
		return errors.Wrapf(ErrPrecondition, "handle %d is %s; rebinding buffers is unsupported", h, col.state)
	}
	if b.send != nil {
		return errors.Wrapf(ErrPrecondition, "buffers already bound for handle %d GPU %d", h, gpu)
	}
	if send == nil || recv == nil {
		return errors.Wrapf(ErrPrecondition, "nil buffer for handle %d GPU %d", h, gpu)
	}
	if send.DType() != recv.DType() || send.NumElements() != recv.NumElements() {
		return errors.Wrapf(ErrConfiguration,
			"send (%d x %s) and recv (%d x %s) regions must match",
			send.NumElements(), send.DType(), recv.NumElements(), recv.DType())
	}
	if err := col.setLayout(send); err != nil {
		return err
	}
	b.send = send
	b.recv = recv
	return nil
}

// Commit finalizes the handle's bindings: it registers the receive regions
// with the fabric and exchanges the resulting descriptors with all ranks.
// It is implicitly collective and blocks until every rank has exposed its
// memory, bounded by ctx and the configured timeout.
func (c *Comm) Commit(ctx context.Context, h Handle) error {
	c.mu.Lock()
	col, err := c.collective(h)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if col.state != stateRegistered {
		c.mu.Unlock()
		return errors.Wrapf(ErrPrecondition, "handle %d committed twice", h)
	}
	local := make([]fabric.RegionDesc, len(col.gpus))
	var totalBytes int64
	for gpu, b := range col.gpus {
		if b.send == nil {
			c.mu.Unlock()
			return errors.Wrapf(ErrPrecondition, "handle %d GPU %d has no buffers bound", h, gpu)
		}
		if b.compute == nil {
			c.mu.Unlock()
			return errors.Wrapf(ErrPrecondition, "handle %d GPU %d has no stream bound", h, gpu)
		}
		memID, err := c.fab.RegisterMemory(b.recv.Bytes())
		if err != nil {
			c.mu.Unlock()
			return errors.WithMessagef(err, "registering recv region of handle %d GPU %d", h, gpu)
		}
		local[gpu] = fabric.RegionDesc{
			Rank:       c.topo.Rank,
			MemID:      memID,
			SizeBytes:  b.recv.SizeBytes(),
			NumBuckets: col.numBuckets,
			SlotBytes:  col.slotBytes,
		}
		totalBytes += b.recv.SizeBytes()
	}
	c.mu.Unlock()

	ctx, cancel := c.bounded(ctx)
	defer cancel()
	remote, err := c.fab.ExchangeRegions(ctx, uint32(h), local)
	if err != nil {
		return c.wrapTimeout(err, "commit")
	}
	if len(remote) != c.topo.WorldSize {
		return errors.Wrapf(ErrConfiguration, "region exchange returned %d ranks, expected %d",
			len(remote), c.topo.WorldSize)
	}
	for rank, descs := range remote {
		if len(descs) != len(col.gpus) {
			return errors.Wrapf(ErrConfiguration,
				"rank %d committed %d GPUs, this rank has %d: asymmetric topology", rank, len(descs), len(col.gpus))
		}
		for gpu, desc := range descs {
			if desc.NumBuckets != col.numBuckets || desc.SlotBytes != col.slotBytes {
				return errors.Wrapf(ErrConfiguration,
					"rank %d GPU %d committed %d buckets of %d bytes, this rank uses %d buckets of %d bytes",
					rank, gpu, desc.NumBuckets, desc.SlotBytes, col.numBuckets, col.slotBytes)
			}
		}
	}

	c.mu.Lock()
	col.remote = remote
	col.state = stateCommitted
	c.mu.Unlock()
	klog.V(1).Infof("hierall: rank %d committed handle %d, exposing %s",
		c.topo.Rank, h, humanize.Bytes(uint64(totalBytes)))
	return nil
}

// MarkReady is the process-wide, one-time readiness barrier: it requires all
// registered handles to be committed and blocks until every rank arrives.
// Transfers may only be posted after it returns.
func (c *Comm) MarkReady(ctx context.Context) error {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return errors.Wrapf(ErrPrecondition, "MarkReady called twice")
	}
	for _, col := range c.colls {
		if col.state != stateCommitted {
			c.mu.Unlock()
			return errors.Wrapf(ErrPrecondition, "handle %d is not committed", col.handle)
		}
	}
	c.mu.Unlock()

	ctx, cancel := c.bounded(ctx)
	defer cancel()
	if err := c.fab.Barrier(ctx); err != nil {
		return c.wrapTimeout(err, "ready barrier")
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	klog.V(1).Infof("hierall: rank %d ready", c.topo.Rank)
	return nil
}

// Synchronize drains the compute and communication streams of one local GPU,
// returning the first sticky error either stream recorded.
func (c *Comm) Synchronize(h Handle, gpu int) error {
	c.mu.Lock()
	_, b, err := c.binding(h, gpu)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	compute := b.compute
	c.mu.Unlock()
	if compute == nil {
		return errors.Wrapf(ErrPrecondition, "handle %d GPU %d has no stream bound", h, gpu)
	}
	if err := compute.Synchronize(); err != nil {
		return err
	}
	return c.commStreams[gpu].Synchronize()
}

// Close shuts down the engine-owned communication streams. Payload regions
// and the fabric belong to the caller and are left untouched.
func (c *Comm) Close() {
	for _, s := range c.commStreams {
		s.Close()
	}
}

// bounded derives the rendezvous context from ctx and the configured
// timeout.
func (c *Comm) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

// wrapTimeout maps context expiry at a rendezvous point to
// ErrReadinessTimeout.
func (c *Comm) wrapTimeout(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrReadinessTimeout, "%s on rank %d: %v", op, c.topo.Rank, err)
	}
	return errors.WithMessagef(err, "%s on rank %d", op, c.topo.Rank)
}

// forEachGPU runs fn for every local GPU in parallel and returns the first
// error.
func (c *Comm) forEachGPU(fn func(gpu int) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(c.devices))
	for i := range c.devices {
		wg.Add(1)
		go func(gpu int) {
			defer wg.Done()
			errs[gpu] = fn(gpu)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
