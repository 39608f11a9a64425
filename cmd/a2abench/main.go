// a2abench runs the variable-size all-to-all engine on an in-process
// loopback cluster and reports aggregate throughput. It is a smoke test and
// a launch-overhead benchmark, not a network benchmark: the loopback fabric
// moves bytes with memcpy.
//
// Example:
//
//	a2abench -ranks 4 -gpus 2 -buckets 3 -slot_kb 64 -iterations 100 -replay
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/hierall"
	"github.com/gomlx/hierall/device"
	"github.com/gomlx/hierall/fabric"
	"github.com/gomlx/hierall/fabric/loopfab"
)

var (
	flagRanks      = flag.Int("ranks", 4, "Number of simulated processes.")
	flagGPUs       = flag.Int("gpus", 2, "Local GPUs per process.")
	flagBuckets    = flag.Int("buckets", 0, "Destination buckets per process; defaults to gpus+1.")
	flagSlotKB     = flag.Int("slot_kb", 64, "Capacity of each destination slot, in KiB.")
	flagIterations = flag.Int("iterations", 100, "Timed transfer invocations.")
	flagReplay     = flag.Bool("replay", false, "Use captured transfer graphs instead of re-posting.")
	flagSeed       = flag.Int64("seed", 42, "Seed for the per-slot transfer sizes.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	numBuckets := *flagBuckets
	if numBuckets == 0 {
		numBuckets = *flagGPUs + 1
	}

	fabs := loopfab.NewCluster(*flagRanks, *flagGPUs)
	perRank := make([]time.Duration, *flagRanks)
	moved := make([]int64, *flagRanks)
	var wg sync.WaitGroup
	for rank := range fabs {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			perRank[rank], moved[rank] = runRank(fabs[rank], numBuckets)
		}(rank)
	}
	wg.Wait()

	var elapsed time.Duration
	var totalBytes int64
	for rank := range perRank {
		if perRank[rank] > elapsed {
			elapsed = perRank[rank]
		}
		totalBytes += moved[rank]
	}
	rate := float64(totalBytes) / elapsed.Seconds()
	fmt.Printf("%d ranks x %d GPUs, %d buckets, %s slots: %d iterations in %s (%s/s aggregate)\n",
		*flagRanks, *flagGPUs, numBuckets, humanize.IBytes(uint64(*flagSlotKB)*1024),
		*flagIterations, elapsed.Round(time.Millisecond), humanize.IBytes(uint64(rate)))
}

// runRank drives one simulated process end to end and returns its timed
// duration and the bytes it sent.
func runRank(fab fabric.Fabric, numBuckets int) (time.Duration, int64) {
	topo := fab.Topology()
	numSlots := topo.WorldSize * numBuckets
	slotBytes := int64(*flagSlotKB) * 1024
	slotElems := int(slotBytes) // Uint8 payload, one byte per element.

	devices := make([]*device.Device, len(topo.LocalGPUs))
	for i, id := range topo.LocalGPUs {
		devices[i] = device.NewDevice(id)
	}
	comm := must.M1(hierall.New(fab, devices))
	defer comm.Close()
	h := must.M1(comm.Register(numBuckets))

	computes := make([]*device.Stream, len(devices))
	sendTabs := make([]*device.Region, len(devices))
	recvTabs := make([]*device.Region, len(devices))
	for i, dev := range devices {
		computes[i] = dev.NewStream(fmt.Sprintf("compute-%d", i))
		must.M(comm.BindStream(h, i, computes[i]))
		send := must.M1(dev.AllocRegion(dtypes.Uint8, numSlots*slotElems))
		recv := must.M1(dev.AllocRegion(dtypes.Uint8, numSlots*slotElems))
		send.FillRandom(int64(topo.Rank*len(devices) + i))
		must.M(comm.BindBuffers(h, i, send, recv))
		sendTabs[i] = must.M1(dev.AllocRegion(dtypes.Uint64, numSlots))
		recvTabs[i] = must.M1(dev.AllocRegion(dtypes.Uint64, numSlots))
		must.M(comm.UpdateSizes(h, i, sendTabs[i], recvTabs[i]))
	}

	ctx := context.Background()
	must.M(comm.Commit(ctx, h))
	must.M(comm.MarkReady(ctx))

	// Every rank derives the same pseudo-random size schedule, so the
	// receive expectations follow from the mirrored send entries. Relay
	// buckets stay empty: they alias onto the same receive slots as the
	// direct buckets, and the two together could overflow a slot.
	rng := rand.New(rand.NewSource(*flagSeed))
	sizes := make([][]uint64, topo.WorldSize*len(devices))
	for g := range sizes {
		sizes[g] = make([]uint64, numSlots)
		for s := range sizes[g] {
			if s%numBuckets < len(devices) {
				sizes[g][s] = uint64(rng.Int63n(slotBytes + 1))
			}
		}
	}
	var sent int64
	for i := range devices {
		mine := sizes[topo.Rank*len(devices)+i]
		must.M(sendTabs[i].FillUint64(mine))
		for _, n := range mine {
			sent += int64(n)
		}
		recvRow := make([]uint64, numSlots)
		for src := 0; src < topo.WorldSize; src++ {
			for j := 0; j < len(devices); j++ {
				var total uint64
				for bk := 0; bk < numBuckets; bk++ {
					if bk%len(devices) == i {
						total += sizes[src*len(devices)+j][topo.Rank*numBuckets+bk]
					}
				}
				recvRow[src*numBuckets+j] = total
			}
		}
		must.M(recvTabs[i].FillUint64(recvRow))
	}

	start := time.Now()
	for iter := 0; iter < *flagIterations; iter++ {
		if *flagReplay {
			must.M(comm.LaunchAll(h))
		} else {
			must.M(comm.PostAll(h))
		}
		for i := range devices {
			must.M(comm.Synchronize(h, i))
		}
	}
	elapsed := time.Since(start)

	must.M(fab.Close())
	for _, s := range computes {
		s.Close()
	}
	return elapsed, sent * int64(*flagIterations)
}
