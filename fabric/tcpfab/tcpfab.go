// Package tcpfab implements fabric.Fabric over plain TCP, emulating the
// one-sided RDMA contract: every rank keeps a registry of exposed memory, a
// Put ships the bytes to the owning rank where they are copied into the
// registration, and the ack makes Put return only once the write has landed.
//
// Ranks form a full mesh: rank r dials every lower rank and accepts from
// every higher rank. All ranks must share the same job ID (see NewJobID);
// connections with a different job ID are refused, which catches two
// unrelated jobs meeting on the same ports.
package tcpfab

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/hierall/fabric"
	"github.com/gomlx/hierall/internal/utils"
)

// NewJobID returns a fresh job identifier. One rank generates it and
// distributes it out-of-band (command line, environment) to the others.
func NewJobID() string {
	return uuid.NewString()
}

// Config describes one rank of a TCP fabric.
type Config struct {
	// Rank of this process, in [0, len(Peers)).
	Rank int

	// Peers holds one listen address per rank, identical on all ranks.
	Peers []string

	// GPUs are the local device ordinals this rank owns.
	GPUs []int

	// JobID must be identical on all ranks. See NewJobID.
	JobID string

	// DialTimeout bounds connection establishment to each peer.
	// Defaults to 30s.
	DialTimeout time.Duration

	// AckTimeout bounds how long a Put waits for the remote write
	// confirmation. Defaults to 60s.
	AckTimeout time.Duration
}

type peerConn struct {
	rank int
	conn net.Conn
	wmu  sync.Mutex
}

func (p *peerConn) send(typ msgType, reqID uint64, body any) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return errors.WithMessagef(writeMessage(p.conn, typ, reqID, body), "sending to rank %d", p.rank)
}

type gate struct {
	arrived int
	done    chan struct{}
}

type gather struct {
	payloads    [][]byte
	contributed []bool
	arrived     int
	done        chan struct{}
}

// Fabric is one rank's endpoint of a TCP mesh.
type Fabric struct {
	cfg  Config
	topo fabric.Topology
	name string // normalized job ID, for logs
	ln   net.Listener

	peers []*peerConn // indexed by rank; nil at own rank

	mu      sync.Mutex
	mems    map[uint64][]byte
	gates   map[string]*gate
	gathers map[string]*gather
	pending map[uint64]chan putAckBody

	nextMem    atomic.Uint64
	nextReq    atomic.Uint64
	barrierSeq atomic.Uint64
	closed     atomic.Bool
}

var _ fabric.Fabric = (*Fabric)(nil)

// Dial connects this rank to all peers and blocks until the mesh is
// complete.
func Dial(cfg Config) (*Fabric, error) {
	world := len(cfg.Peers)
	if world < 2 {
		return nil, errors.Errorf("tcpfab needs at least 2 peers, got %d", world)
	}
	if cfg.Rank < 0 || cfg.Rank >= world {
		return nil, errors.Errorf("rank %d out of range [0, %d)", cfg.Rank, world)
	}
	if len(cfg.GPUs) == 0 {
		return nil, errors.New("tcpfab needs at least one local GPU ordinal")
	}
	if cfg.JobID == "" {
		return nil, errors.New("tcpfab requires a shared JobID, see NewJobID")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 60 * time.Second
	}

	ln, err := net.Listen("tcp", cfg.Peers[cfg.Rank])
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d listening on %s", cfg.Rank, cfg.Peers[cfg.Rank])
	}
	f := &Fabric{
		cfg: cfg,
		topo: fabric.Topology{
			WorldSize: world,
			Rank:      cfg.Rank,
			LocalGPUs: cfg.GPUs,
		},
		name:    utils.NormalizeIdentifier(cfg.JobID),
		ln:      ln,
		peers:   make([]*peerConn, world),
		mems:    make(map[uint64][]byte),
		gates:   make(map[string]*gate),
		gathers: make(map[string]*gather),
		pending: make(map[uint64]chan putAckBody),
	}
	if err := f.connectMesh(); err != nil {
		_ = f.Close()
		return nil, err
	}
	for _, p := range f.peers {
		if p != nil {
			go f.readLoop(p)
		}
	}
	klog.V(1).Infof("tcpfab %s: rank %d/%d mesh established", f.name, cfg.Rank, world)
	return f, nil
}

// connectMesh dials every lower rank and accepts every higher rank.
func (f *Fabric) connectMesh() error {
	world := f.topo.WorldSize
	var wg sync.WaitGroup
	errs := make(chan error, world)

	for rank := 0; rank < f.topo.Rank; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			conn, err := f.dialPeer(rank)
			if err != nil {
				errs <- err
				return
			}
			f.peers[rank] = conn
		}(rank)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Accepting is bounded like dialing: a higher rank that never
		// shows up must not hang the mesh forever.
		if tl, ok := f.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(f.cfg.DialTimeout))
			defer tl.SetDeadline(time.Time{})
		}
		for accepted := 0; accepted < world-1-f.topo.Rank; accepted++ {
			conn, err := f.acceptPeer()
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					err = errors.Errorf("rank %d: not all higher ranks connected within %s",
						f.topo.Rank, f.cfg.DialTimeout)
				}
				errs <- err
				return
			}
			f.peers[conn.rank] = conn
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Fabric) dialPeer(rank int) (*peerConn, error) {
	deadline := time.Now().Add(f.cfg.DialTimeout)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", f.cfg.Peers[rank], time.Until(deadline))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(err, "rank %d dialing rank %d at %s", f.topo.Rank, rank, f.cfg.Peers[rank])
		}
		// The peer may not be listening yet.
		time.Sleep(50 * time.Millisecond)
	}
	p := &peerConn{rank: rank, conn: conn}
	if err := p.send(msgHello, 0, helloBody{Rank: f.topo.Rank, JobID: f.cfg.JobID}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	var hello helloBody
	if err := f.readHello(conn, &hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if hello.Rank != rank {
		_ = conn.Close()
		return nil, errors.Errorf("dialed rank %d at %s but it identifies as rank %d",
			rank, f.cfg.Peers[rank], hello.Rank)
	}
	return p, nil
}

func (f *Fabric) acceptPeer() (*peerConn, error) {
	conn, err := f.ln.Accept()
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d accepting peer", f.topo.Rank)
	}
	var hello helloBody
	if err := f.readHello(conn, &hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if hello.Rank <= f.topo.Rank || hello.Rank >= f.topo.WorldSize {
		_ = conn.Close()
		return nil, errors.Errorf("unexpected hello from rank %d", hello.Rank)
	}
	p := &peerConn{rank: hello.Rank, conn: conn}
	if err := p.send(msgHello, 0, helloBody{Rank: f.topo.Rank, JobID: f.cfg.JobID}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func (f *Fabric) readHello(conn net.Conn, hello *helloBody) error {
	h, body, err := readMessage(conn)
	if err != nil {
		return errors.Wrap(err, "reading hello")
	}
	if h.Type != msgHello {
		return errors.Errorf("expected hello, got message type %d", h.Type)
	}
	if err := decodeBody(body, hello); err != nil {
		return err
	}
	if hello.JobID != f.cfg.JobID {
		return errors.Errorf("job ID mismatch: peer rank %d belongs to a different job", hello.Rank)
	}
	return nil
}

func (f *Fabric) readLoop(p *peerConn) {
	for {
		h, body, err := readMessage(p.conn)
		if err != nil {
			if !f.closed.Load() && !errors.Is(err, io.EOF) {
				klog.Warningf("tcpfab %s: rank %d lost connection to rank %d: %v",
					f.name, f.topo.Rank, p.rank, err)
			}
			return
		}
		if err := f.dispatch(p, h, body); err != nil {
			klog.Errorf("tcpfab %s: rank %d failed handling message type %d from rank %d: %v",
				f.name, f.topo.Rank, h.Type, p.rank, err)
		}
	}
}

func (f *Fabric) dispatch(p *peerConn, h header, body []byte) error {
	switch h.Type {
	case msgPut:
		var b putBody
		if err := decodeBody(body, &b); err != nil {
			return err
		}
		ack := putAckBody{}
		if err := f.applyPut(b); err != nil {
			ack.Error = err.Error()
		}
		return p.send(msgPutAck, h.RequestID, ack)

	case msgPutAck:
		var b putAckBody
		if err := decodeBody(body, &b); err != nil {
			return err
		}
		f.mu.Lock()
		ch := f.pending[h.RequestID]
		delete(f.pending, h.RequestID)
		f.mu.Unlock()
		if ch != nil {
			ch <- b
		}
		return nil

	case msgSignal:
		var b signalBody
		if err := decodeBody(body, &b); err != nil {
			return err
		}
		f.arrive(b.Tag)
		return nil

	case msgGather:
		var b gatherBody
		if err := decodeBody(body, &b); err != nil {
			return err
		}
		_, err := f.contribute(b.Tag, b.Rank, b.Payload)
		return err

	default:
		return errors.Errorf("unknown message type %d", h.Type)
	}
}

func (f *Fabric) applyPut(b putBody) error {
	f.mu.Lock()
	buf, ok := f.mems[b.MemID]
	f.mu.Unlock()
	if !ok {
		return errors.Errorf("put to unknown memory %d on rank %d", b.MemID, f.topo.Rank)
	}
	if b.Offset < 0 || b.Offset+int64(len(b.Data)) > int64(len(buf)) {
		return errors.Errorf("put out of bounds: [%d, %d) of %d bytes",
			b.Offset, b.Offset+int64(len(b.Data)), len(buf))
	}
	copy(buf[b.Offset:], b.Data)
	return nil
}

// arrive registers one arrival at a tagged gate and returns it.
func (f *Fabric) arrive(tag string) *gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.gates[tag]
	if g == nil {
		g = &gate{done: make(chan struct{})}
		f.gates[tag] = g
	}
	g.arrived++
	if g.arrived == f.topo.WorldSize {
		close(g.done)
		delete(f.gates, tag)
	}
	return g
}

// contribute registers one payload at a tagged gather and returns it.
func (f *Fabric) contribute(tag string, rank int, payload []byte) (*gather, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.gathers[tag]
	if g == nil {
		g = &gather{
			payloads:    make([][]byte, f.topo.WorldSize),
			contributed: make([]bool, f.topo.WorldSize),
			done:        make(chan struct{}),
		}
		f.gathers[tag] = g
	}
	if rank < 0 || rank >= f.topo.WorldSize {
		return nil, errors.Errorf("exchange %q: rank %d out of range", tag, rank)
	}
	if g.contributed[rank] {
		return nil, errors.Errorf("exchange %q: rank %d contributed twice", tag, rank)
	}
	g.contributed[rank] = true
	g.payloads[rank] = payload
	g.arrived++
	if g.arrived == f.topo.WorldSize {
		close(g.done)
		delete(f.gathers, tag)
	}
	return g, nil
}

// rendezvous broadcasts arrival at tag and waits for all ranks.
func (f *Fabric) rendezvous(ctx context.Context, tag string) error {
	for _, p := range f.peers {
		if p == nil {
			continue
		}
		if err := p.send(msgSignal, 0, signalBody{Tag: tag}); err != nil {
			return err
		}
	}
	g := f.arrive(tag)
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "rendezvous %q did not complete", tag)
	}
}

// Topology implements fabric.Fabric.
func (f *Fabric) Topology() fabric.Topology { return f.topo }

// RegisterMemory implements fabric.Fabric.
func (f *Fabric) RegisterMemory(buf []byte) (uint64, error) {
	if f.closed.Load() {
		return 0, errors.Errorf("rank %d: fabric is closed", f.topo.Rank)
	}
	if len(buf) == 0 {
		return 0, errors.Errorf("rank %d: cannot register empty buffer", f.topo.Rank)
	}
	id := f.nextMem.Add(1)
	f.mu.Lock()
	f.mems[id] = buf
	f.mu.Unlock()
	return id, nil
}

// ExchangeRegions implements fabric.Fabric on top of the gather path.
func (f *Fabric) ExchangeRegions(ctx context.Context, collective uint32, local []fabric.RegionDesc) ([][]fabric.RegionDesc, error) {
	payload, err := fabric.MarshalRegions(local)
	if err != nil {
		return nil, err
	}
	gathered, err := f.Exchange(ctx, fmt.Sprintf("regions/%d", collective), payload)
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

// Put implements fabric.Fabric: ship the bytes, wait for the landing ack.
func (f *Fabric) Put(dst fabric.RegionDesc, dstOff int64, src []byte) error {
	if dst.Rank == f.topo.Rank {
		return f.applyPut(putBody{MemID: dst.MemID, Offset: dstOff, Data: src})
	}
	p := f.peers[dst.Rank]
	if p == nil {
		return errors.Errorf("no connection to rank %d", dst.Rank)
	}
	reqID := f.nextReq.Add(1)
	ch := make(chan putAckBody, 1)
	f.mu.Lock()
	f.pending[reqID] = ch
	f.mu.Unlock()
	if err := p.send(msgPut, reqID, putBody{MemID: dst.MemID, Offset: dstOff, Data: src}); err != nil {
		f.mu.Lock()
		delete(f.pending, reqID)
		f.mu.Unlock()
		return err
	}
	select {
	case ack := <-ch:
		if ack.Error != "" {
			return errors.Errorf("put to rank %d refused: %s", dst.Rank, ack.Error)
		}
		return nil
	case <-time.After(f.cfg.AckTimeout):
		f.mu.Lock()
		delete(f.pending, reqID)
		f.mu.Unlock()
		return errors.Errorf("put to rank %d: no ack within %s", dst.Rank, f.cfg.AckTimeout)
	}
}

// Barrier implements fabric.Fabric.
func (f *Fabric) Barrier(ctx context.Context) error {
	seq := f.barrierSeq.Add(1)
	return f.rendezvous(ctx, fmt.Sprintf("barrier/%d", seq))
}

// Rendezvous implements fabric.Fabric.
func (f *Fabric) Rendezvous(ctx context.Context, tag string) error {
	return f.rendezvous(ctx, "rdv/"+tag)
}

// Exchange implements fabric.Fabric.
func (f *Fabric) Exchange(ctx context.Context, tag string, payload []byte) ([][]byte, error) {
	tag = "ex/" + tag
	for _, p := range f.peers {
		if p == nil {
			continue
		}
		if err := p.send(msgGather, 0, gatherBody{Tag: tag, Rank: f.topo.Rank, Payload: payload}); err != nil {
			return nil, err
		}
	}
	g, err := f.contribute(tag, f.topo.Rank, payload)
	if err != nil {
		return nil, err
	}
	select {
	case <-g.done:
		return g.payloads, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "exchange %q did not complete", tag)
	}
}

// Close implements fabric.Fabric.
func (f *Fabric) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	var firstErr error
	if f.ln != nil {
		firstErr = f.ln.Close()
	}
	for _, p := range f.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
