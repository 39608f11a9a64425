package hierall

import (
	"context"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/hierall/device"
	"github.com/gomlx/hierall/fabric/loopfab"
)

// schedule holds the per-slot byte counts of every (rank, GPU) sender,
// indexed [rank][gpu][slot]. Tests derive it deterministically so every rank
// can compute both its send and its receive expectations.
type schedule [][][]uint64

// makeSchedule builds a pseudo-random schedule where each sender fills at
// most one bucket per destination GPU, keeping receive slots unambiguous.
func makeSchedule(seed int64, world, gpus, numBuckets int, slotBytes int64) schedule {
	rng := rand.New(rand.NewSource(seed))
	s := make(schedule, world)
	for rank := range s {
		s[rank] = make([][]uint64, gpus)
		for gpu := range s[rank] {
			row := make([]uint64, world*numBuckets)
			for dst := 0; dst < world; dst++ {
				for owner := 0; owner < gpus; owner++ {
					// Buckets owned by the same GPU alias onto one receive
					// slot; pick one of them.
					var candidates []int
					for bk := owner; bk < numBuckets; bk += gpus {
						candidates = append(candidates, bk)
					}
					bk := candidates[rng.Intn(len(candidates))]
					row[dst*numBuckets+bk] = uint64(rng.Int63n(slotBytes + 1))
				}
			}
			s[rank][gpu] = row
		}
	}
	return s
}

// loadSchedule fills a rank's send payloads and both size tables from the
// schedule. Send payloads are seeded pseudo-random bytes.
func loadSchedule(t *testing.T, r *testRank, s schedule, numBuckets int) {
	t.Helper()
	topo := r.comm.Topology()
	world, gpus := topo.WorldSize, len(r.devs)
	for i := range r.devs {
		r.send[i].FillRandom(int64(topo.Rank*gpus + i + 1))
		require.NoError(t, r.sendTab[i].FillUint64(s[topo.Rank][i]))
		recvRow := make([]uint64, world*numBuckets)
		for src := 0; src < world; src++ {
			for j := 0; j < gpus; j++ {
				var total uint64
				for bk := i; bk < numBuckets; bk += gpus {
					total += s[src][j][topo.Rank*numBuckets+bk]
				}
				recvRow[src*numBuckets+j] = total
			}
		}
		require.NoError(t, r.recvTab[i].FillUint64(recvRow))
	}
}

// snapshotRecv copies every receive buffer, for before/after comparison.
func snapshotRecv(ranks []*testRank) [][][]byte {
	snap := make([][][]byte, len(ranks))
	for rank, r := range ranks {
		snap[rank] = make([][]byte, len(r.devs))
		for i := range r.devs {
			snap[rank][i] = append([]byte(nil), r.recv[i].Bytes()...)
		}
	}
	return snap
}

// expectedRecv computes, on the host, what GPU dstGPU of dstRank must hold
// after one full collective: for every sender slot addressed to it, the
// payload bytes at the mirrored slot offset; bytes no sender touches keep
// their pre-collective contents.
func expectedRecv(t *testing.T, ranks []*testRank, before [][][]byte, s schedule, dstRank, dstGPU, numBuckets int, slotBytes int64) []byte {
	t.Helper()
	want := append([]byte(nil), before[dstRank][dstGPU]...)
	for src, r := range ranks {
		for gpu := range r.devs {
			sendBytes := r.send[gpu].Bytes()
			mirror := int64(src*numBuckets+gpu) * slotBytes
			for bk := dstGPU; bk < numBuckets; bk += len(r.devs) {
				n := s[src][gpu][dstRank*numBuckets+bk]
				if n == 0 {
					continue
				}
				srcOff := int64(dstRank*numBuckets+bk) * slotBytes
				copy(want[mirror:mirror+int64(n)], sendBytes[srcOff:srcOff+int64(n)])
			}
		}
	}
	return want
}

func runCollective(t *testing.T, ranks []*testRank) {
	t.Helper()
	forAllRanks(t, ranks, func(r *testRank) error {
		if err := r.comm.PostAll(r.h); err != nil {
			return err
		}
		for i := range r.devs {
			if err := r.comm.Synchronize(r.h, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func checkRecv(t *testing.T, ranks []*testRank, before [][][]byte, s schedule, numBuckets int, slotBytes int64) {
	t.Helper()
	for dstRank, r := range ranks {
		for dstGPU := range r.devs {
			want := expectedRecv(t, ranks, before, s, dstRank, dstGPU, numBuckets, slotBytes)
			assert.Equal(t, want, r.recv[dstGPU].Bytes(), "rank %d GPU %d", dstRank, dstGPU)
		}
	}
}

func TestUniformAllToAll(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 2, 2, 2, 8
	slotBytes := int64(slotElems * 8)
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Uint64, slotElems)

	s := make(schedule, world)
	for rank := range s {
		s[rank] = make([][]uint64, gpus)
		for gpu := range s[rank] {
			row := make([]uint64, world*numBuckets)
			for slot := range row {
				row[slot] = 32 // half of each slot's capacity
			}
			s[rank][gpu] = row
		}
	}
	for _, r := range ranks {
		loadSchedule(t, r, s, numBuckets)
	}
	before := snapshotRecv(ranks)
	runCollective(t, ranks)
	checkRecv(t, ranks, before, s, numBuckets, slotBytes)
}

func TestVariableSizes(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 2, 2, 3, 16
	slotBytes := int64(slotElems * 8)
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Uint64, slotElems)

	s := makeSchedule(17, world, gpus, numBuckets, slotBytes)
	for _, r := range ranks {
		loadSchedule(t, r, s, numBuckets)
	}
	before := snapshotRecv(ranks)
	runCollective(t, ranks)
	checkRecv(t, ranks, before, s, numBuckets, slotBytes)

	// A second invocation with a fresh schedule reuses the same buffers.
	s = makeSchedule(18, world, gpus, numBuckets, slotBytes)
	for _, r := range ranks {
		loadSchedule(t, r, s, numBuckets)
	}
	before = snapshotRecv(ranks)
	runCollective(t, ranks)
	checkRecv(t, ranks, before, s, numBuckets, slotBytes)
}

func TestRepostIsIdempotent(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 2, 2, 2, 8
	slotBytes := int64(slotElems * 8)
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Uint64, slotElems)

	s := makeSchedule(23, world, gpus, numBuckets, slotBytes)
	for _, r := range ranks {
		loadSchedule(t, r, s, numBuckets)
	}
	runCollective(t, ranks)
	first := make([][][]byte, world)
	for rank, r := range ranks {
		first[rank] = make([][]byte, gpus)
		for i := range r.devs {
			first[rank][i] = append([]byte(nil), r.recv[i].Bytes()...)
		}
	}

	// Unchanged bindings and tables: a second post lands identical contents.
	runCollective(t, ranks)
	for rank, r := range ranks {
		for i := range r.devs {
			assert.Equal(t, first[rank][i], r.recv[i].Bytes(), "rank %d GPU %d", rank, i)
		}
	}
}

func TestSlotAtFullCapacity(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 1, 1, 1, 4
	slotBytes := int64(slotElems * 8)
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Uint64, slotElems)
	r := ranks[0]

	require.NoError(t, r.sendTab[0].FillUint64([]uint64{uint64(slotBytes)}))
	require.NoError(t, r.recvTab[0].FillUint64([]uint64{uint64(slotBytes)}))
	r.send[0].FillRandom(3)
	require.NoError(t, r.comm.PostTransfer(r.h, 0))
	require.NoError(t, r.comm.Synchronize(r.h, 0))
	assert.Equal(t, r.send[0].Bytes(), r.recv[0].Bytes())
}

func TestSlotOverCapacity(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 1, 1, 1, 4
	slotBytes := int64(slotElems * 8)
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Uint64, slotElems)
	r := ranks[0]

	require.NoError(t, r.sendTab[0].FillUint64([]uint64{uint64(slotBytes) + 1}))
	require.NoError(t, r.comm.PostTransfer(r.h, 0))
	err := r.comm.Synchronize(r.h, 0)
	require.ErrorIs(t, err, ErrPrecondition)
	assert.ErrorContains(t, err, "exceeds slot capacity")
}

func TestSlackTableEntriesAreIgnored(t *testing.T) {
	// 9 elements over 2 slots leaves one element of slack in the payload
	// buffers, and the size tables carry one entry past the last slot. Those
	// extra entries address no destination; a transfer must neither route
	// them (slot 2 would map to a nonexistent rank) nor validate them.
	fabs := loopfab.NewCluster(1, 1)
	dev := device.NewDevice(0)
	comm := must(New(fabs[0], []*device.Device{dev}))
	defer comm.Close()
	h := must(comm.Register(2))
	compute := dev.NewStream("compute-0")
	defer compute.Close()
	require.NoError(t, comm.BindStream(h, 0, compute))
	send := must(dev.AllocRegion(dtypes.Uint64, 9))
	recv := must(dev.AllocRegion(dtypes.Uint64, 9))
	require.NoError(t, comm.BindBuffers(h, 0, send, recv))
	require.Equal(t, 4, must(comm.MaxElemsPerDest(h))) // slotBytes = 32

	sendTab := must(dev.AllocRegion(dtypes.Uint64, 3))
	recvTab := must(dev.AllocRegion(dtypes.Uint64, 3))
	require.NoError(t, comm.UpdateSizes(h, 0, sendTab, recvTab))
	require.NoError(t, comm.Commit(context.Background(), h))
	require.NoError(t, comm.MarkReady(context.Background()))

	// The slack send entry would route out of the world, the slack recv
	// entry exceeds the slot capacity; both must be skipped.
	require.NoError(t, sendTab.FillUint64([]uint64{0, 8, 8}))
	require.NoError(t, recvTab.FillUint64([]uint64{8, 0, 999}))
	send.FillRandom(7)
	before := append([]byte(nil), recv.Bytes()...)

	require.NoError(t, comm.PostTransfer(h, 0))
	require.NoError(t, comm.Synchronize(h, 0))

	// Slot 1 (bucket 1 of rank 0) lands 8 bytes in the mirror slot 0; the
	// rest of the receive buffer, slack included, is untouched.
	want := append([]byte(nil), before...)
	copy(want[:8], send.Bytes()[32:40])
	assert.Equal(t, want, recv.Bytes())
}

func TestZeroSizesMoveNothing(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 2, 1, 1, 4
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Uint64, slotElems)
	for _, r := range ranks {
		r.recv[0].FillRandom(99) // sentinel pattern that must survive
	}
	before := append([]byte(nil), ranks[0].recv[0].Bytes()...)
	runCollective(t, ranks)
	assert.Equal(t, before, ranks[0].recv[0].Bytes())
}

func TestVerifySizes(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 2, 2, 2, 8
	slotBytes := int64(slotElems * 8)
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Uint64, slotElems)

	s := makeSchedule(5, world, gpus, numBuckets, slotBytes)
	for _, r := range ranks {
		loadSchedule(t, r, s, numBuckets)
	}
	forAllRanks(t, ranks, func(r *testRank) error {
		return r.comm.VerifySizes(context.Background(), r.h)
	})

	// Corrupt one receive expectation on rank 1: every rank must report the
	// mismatch.
	ranks[1].recvTab[0].SetUint64(0, ranks[1].recvTab[0].Uint64At(0)+1)
	errs := make([]error, world)
	forAllRanksCollect(t, ranks, errs, func(r *testRank) error {
		return r.comm.VerifySizes(context.Background(), r.h)
	})
	for rank, err := range errs {
		require.ErrorIs(t, err, ErrDataIntegrity, "rank %d", rank)
	}
}

func TestSizeCheckOnPost(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 2, 1, 1, 4
	slotBytes := int64(slotElems * 8)
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Uint64, slotElems, WithSizeCheck())

	s := makeSchedule(9, world, gpus, numBuckets, slotBytes)
	for _, r := range ranks {
		loadSchedule(t, r, s, numBuckets)
	}
	before := snapshotRecv(ranks)
	runCollective(t, ranks)
	checkRecv(t, ranks, before, s, numBuckets, slotBytes)

	// Inconsistent expectations fail the invocation on every rank.
	ranks[0].recvTab[0].SetUint64(0, ranks[0].recvTab[0].Uint64At(0)+8)
	errs := make([]error, world)
	forAllRanksCollect(t, ranks, errs, func(r *testRank) error {
		if err := r.comm.PostTransfer(r.h, 0); err != nil {
			return err
		}
		return r.comm.Synchronize(r.h, 0)
	})
	for rank, err := range errs {
		require.ErrorIs(t, err, ErrDataIntegrity, "rank %d", rank)
	}
}

// forAllRanksCollect is forAllRanks without the no-error requirement: it
// stores each rank's error for the caller to inspect.
func forAllRanksCollect(t *testing.T, ranks []*testRank, errs []error, fn func(r *testRank) error) {
	t.Helper()
	forAllRanks(t, ranks, func(r *testRank) error {
		errs[r.comm.Topology().Rank] = fn(r)
		return nil
	})
}
