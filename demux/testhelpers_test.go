package demux

import "testing"

// injectPacket delivers p for stream as if a Producer's FillBuffer had
// called view.AddPacket directly, without driving the demux thread. Used by
// tests that build up cache state precisely rather than through the
// thread's read-ahead pacing.
func injectPacket(d *Demuxer, stream int, p *Packet) {
	d.mu.Lock()
	d.addPacketLocked(stream, p)
	d.mu.Unlock()
}

// postBatch runs the same bookkeeping thread.run performs after a
// FillBuffer call returns (forward-cap check, join attempt, pruning),
// without requiring a full producer round trip.
func postBatch(d *Demuxer) {
	d.mu.Lock()
	d.checkForwardByteCap()
	d.tryJoin()
	d.pruneToFit()
	d.mu.Unlock()
}

// newBareDemuxer opens a Demuxer around fp with no background thread,
// leaving the caller free to drive state directly via injectPacket/postBatch
// and the exported Select/Seek/ReadPacket API.
func newBareDemuxer(t *testing.T, fp *fakeProducer, opts ...Option) *Demuxer {
	return openTestDemuxer(t, fp, opts...)
}
