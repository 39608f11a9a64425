// Package fabric defines the process-boundary contract the hierall engine
// posts transfers through: process topology, registration of memory for
// remote access, one-sided writes into registered memory, and the collective
// rendezvous primitives used at commit/ready time.
//
// The physical transport is not part of the contract. fabric/loopfab runs all
// ranks inside one process and services Put with a memory copy; fabric/tcpfab
// emulates the one-sided semantics over TCP connections. An implementation
// backed by real RDMA verbs only has to honor the same completion rules.
package fabric

import "context"

// Topology describes the process layout: how many ranks participate, which
// rank this fabric belongs to, and the device ordinals local to it. It is
// immutable for the lifetime of the fabric.
type Topology struct {
	// WorldSize is the number of participating processes.
	WorldSize int

	// Rank is the index of this process, in [0, WorldSize).
	Rank int

	// LocalGPUs are the device ordinals owned by this process, in a fixed
	// order that all ranks agree on.
	LocalGPUs []int
}

// RegionDesc identifies one registered memory region to remote ranks: the
// analog of an RDMA remote key plus the layout metadata the engine exchanges
// at commit time. It is a plain value so implementations can ship it over
// their control plane.
type RegionDesc struct {
	// Rank that owns the memory.
	Rank int `msgpack:"r"`

	// MemID identifies the registration within the owning rank.
	MemID uint64 `msgpack:"m"`

	// SizeBytes is the registered capacity.
	SizeBytes int64 `msgpack:"s"`

	// NumBuckets and SlotBytes describe the slot layout of the collective the
	// region was committed for; ranks cross-check them to detect asymmetric
	// registration.
	NumBuckets int   `msgpack:"b"`
	SlotBytes  int64 `msgpack:"sb"`
}

// Fabric is the transport the engine drives. All blocking methods take a
// context; implementations must honor cancellation and deadline.
type Fabric interface {
	// Topology returns the immutable process layout.
	Topology() Topology

	// RegisterMemory pins buf for remote access and returns its MemID. The
	// registration stays valid until Close; there is no unregister path, by
	// design (slot layout is static across invocations).
	RegisterMemory(buf []byte) (uint64, error)

	// ExchangeRegions performs an allgather of region descriptors for one
	// collective: every rank contributes its local descriptors (one per local
	// GPU, in local-GPU order) and receives everyone's, indexed
	// [rank][localGPU]. It blocks until all ranks arrived.
	ExchangeRegions(ctx context.Context, collective uint32, local []RegionDesc) ([][]RegionDesc, error)

	// Put writes src into the remote registered region at byte offset dstOff.
	// It returns once the write has landed in the remote memory (one-sided
	// completion); it never reads remote memory.
	Put(dst RegionDesc, dstOff int64, src []byte) error

	// Barrier blocks until all ranks reach their n-th Barrier call.
	Barrier(ctx context.Context) error

	// Rendezvous blocks until all ranks called Rendezvous with the same tag.
	// Tags are single-use; the engine derives a fresh tag per invocation.
	Rendezvous(ctx context.Context, tag string) error

	// Exchange is a small control-plane allgather: every rank contributes a
	// payload under the same single-use tag and receives all payloads indexed
	// by rank.
	Exchange(ctx context.Context, tag string, payload []byte) ([][]byte, error)

	// Close releases connections and registrations.
	Close() error
}
