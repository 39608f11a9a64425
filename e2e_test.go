package hierall

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/hierall/fabric"
	"github.com/gomlx/hierall/fabric/tcpfab"
)

// TestEndToEndLoopback runs the full engine at scale on the loopback fabric:
// 2 ranks with 4 GPUs each and gpus+1 buckets, so the extra relay bucket is
// exercised, alternating posted and replayed invocations.
func TestEndToEndLoopback(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 2, 4, 5, 256
	slotBytes := int64(slotElems * 8) // 2 KiB slots
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Uint64, slotElems)

	for round := int64(0); round < 4; round++ {
		s := makeSchedule(round, world, gpus, numBuckets, slotBytes)
		for _, r := range ranks {
			loadSchedule(t, r, s, numBuckets)
		}
		before := snapshotRecv(ranks)
		replay := round%2 == 1
		forAllRanks(t, ranks, func(r *testRank) error {
			var err error
			if replay {
				err = r.comm.LaunchAll(r.h)
			} else {
				err = r.comm.PostAll(r.h)
			}
			if err != nil {
				return err
			}
			for i := 0; i < gpus; i++ {
				if err := r.comm.Synchronize(r.h, i); err != nil {
					return err
				}
			}
			return nil
		})
		checkRecv(t, ranks, before, s, numBuckets, slotBytes)
	}
}

// TestFloat16Payload checks that the engine is payload-type agnostic: sizes
// are byte counts, independent of the element width.
func TestFloat16Payload(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 1, 1, 1, 16
	slotBytes := int64(slotElems * 2)
	ranks := setupWorld(t, world, gpus, numBuckets, dtypes.Float16, slotElems)
	r := ranks[0]

	values := make([]float32, slotElems)
	for i := range values {
		values[i] = float32(i) / 2
	}
	require.NoError(t, r.send[0].FillFloat16(values))
	require.NoError(t, r.sendTab[0].FillUint64([]uint64{uint64(slotBytes)}))
	require.NoError(t, r.recvTab[0].FillUint64([]uint64{uint64(slotBytes)}))
	require.NoError(t, r.comm.PostTransfer(r.h, 0))
	require.NoError(t, r.comm.Synchronize(r.h, 0))
	got, err := r.recv[0].Float16s()
	require.NoError(t, err)
	require.Equal(t, values, got)
}

// TestEndToEndTCP runs two ranks over real localhost TCP connections,
// covering the remote Put path, the region exchange and the tagged
// rendezvous on the wire.
func TestEndToEndTCP(t *testing.T) {
	const world, gpus, numBuckets, slotElems = 2, 2, 3, 32
	slotBytes := int64(slotElems * 8)

	addrs := make([]string, world)
	listeners := make([]net.Listener, world)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		addrs[i] = ln.Addr().String()
	}
	for _, ln := range listeners {
		require.NoError(t, ln.Close())
	}

	jobID := tcpfab.NewJobID()
	fabs := make([]fabric.Fabric, world)
	dialErrs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			gpuIDs := make([]int, gpus)
			for i := range gpuIDs {
				gpuIDs[i] = i
			}
			fabs[rank], dialErrs[rank] = tcpfab.Dial(tcpfab.Config{
				Rank:        rank,
				Peers:       addrs,
				GPUs:        gpuIDs,
				JobID:       jobID,
				DialTimeout: 10 * time.Second,
			})
		}(rank)
	}
	wg.Wait()
	for rank, err := range dialErrs {
		require.NoError(t, err, "rank %d", rank)
	}
	t.Cleanup(func() {
		for _, f := range fabs {
			_ = f.Close()
		}
	})

	ranks := setupWorldOn(t, fabs, gpus, numBuckets, dtypes.Uint64, slotElems)
	for round := int64(0); round < 2; round++ {
		s := makeSchedule(300+round, world, gpus, numBuckets, slotBytes)
		for _, r := range ranks {
			loadSchedule(t, r, s, numBuckets)
		}
		before := snapshotRecv(ranks)
		runCollective(t, ranks)
		checkRecv(t, ranks, before, s, numBuckets, slotBytes)
	}
}
