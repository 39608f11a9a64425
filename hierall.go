// Package hierall implements a hierarchical, variable-size all-to-all
// (A2Av) collective engine for multi-GPU, multi-process systems.
//
// Every local GPU fans out to numBuckets logical destinations on every rank;
// destination slot s = remoteRank*numBuckets + bucket. Slots have a fixed
// element capacity derived once at buffer binding, so the memory exposed for
// remote access never changes layout across invocations, while the bytes
// actually moved per slot are taken from device-resident size tables
// refreshed per invocation.
//
// Typical use:
//
//	comm, err := hierall.New(fab, devices)
//	h, err := comm.Register(numBuckets)
//	comm.BindStream(h, gpu, stream)     // per local GPU
//	comm.BindBuffers(h, gpu, send, recv)
//	comm.Commit(ctx, h)                 // collective: exposes memory
//	comm.MarkReady(ctx)                 // collective: one-time barrier
//	for each iteration:
//		comm.UpdateSizes(h, gpu, sendSizes, recvSizes)
//		comm.PostTransfer(h, gpu)   // non-blocking
//		comm.Synchronize(h, gpu)
//
// Intra-process destinations are serviced by a direct device-to-device copy,
// remote destinations by one-sided writes through the fabric; both share the
// same slot addressing, so callers never distinguish them. PostTransfer only
// enqueues work on an engine-owned communication stream and wires events so
// the bound compute stream observes completion; it never blocks.
//
// Callers own the payload and size-table regions. The engine holds
// references only and never frees them. The engine also does not verify that
// ranks agreed on sizes (that is the negotiation contract between peers);
// VerifySizes offers an explicit, opt-in consistency check.
package hierall

// Handle identifies one registered collective within a Comm. It is an index
// into the Comm's internal table, not a pointer; handles from different Comm
// instances are not interchangeable.
type Handle int
