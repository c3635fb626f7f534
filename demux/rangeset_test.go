package demux

import "testing"

// TestRangeJoin exercises §8 scenario 4: a current range that overlaps an
// older, non-current range at an exact packet boundary must merge into one
// range spanning the union of both, with the duplicate boundary packet
// dropped exactly once, and must schedule a catch-up seek to keep filling
// past the join point.
func TestRangeJoin(t *testing.T) {
	t.Parallel()

	fp := newFakeProducer(StreamDescriptor{Type: StreamVideo})
	d := openTestDemuxer(t, fp, WithMaxBackBytes(50<<20))
	d.Select(0, true, 0)

	segKF := func(pts float64, pos int64) *Packet {
		return &Packet{
			Data:         make([]byte, 100),
			DTS:          pts,
			PTS:          pts,
			Pos:          pos,
			Keyframe:     true,
			Segmented:    true,
			SegmentStart: pts,
			SegmentEnd:   pts + 1,
		}
	}

	d.mu.Lock()
	d.streams[0].needRefresh = false // simulate the refresh seek already having been serviced

	// Range A: will become the actively-filling current range, pts [0,5).
	for i, pts := range []float64{0, 1, 2, 3, 4} {
		d.addPacketLocked(0, segKF(pts, int64(i)))
	}
	rangeA := d.ranges.current()
	rangeA.queues[0].closeBlock()
	rangeA.updateSeekRanges(d.streams)
	tailPkt := rangeA.queues[0].tail.pkt

	// Range B: a pre-existing, non-current range whose head exactly
	// duplicates range A's tail packet, then continues forward to pts 8.
	d.ranges.ranges = append(d.ranges.ranges, newCachedRange(len(d.streams)))
	rangeB := d.ranges.current()
	dup := &Packet{
		Data:         make([]byte, len(tailPkt.Data)),
		DTS:          tailPkt.DTS,
		PTS:          tailPkt.PTS,
		Pos:          tailPkt.Pos,
		Keyframe:     true,
		Segmented:    true,
		SegmentStart: tailPkt.PTS,
		SegmentEnd:   tailPkt.PTS + 1,
	}
	rangeB.ensureQueue(d.streams[0]).append(dup)
	for i, pts := range []float64{5, 6, 7} {
		d.addPacketLocked(0, segKF(pts, int64(100+i)))
	}
	rangeB.queues[0].closeBlock()
	rangeB.updateSeekRanges(d.streams)

	// Promote range A back to current so tryJoin treats it as the
	// catching-up side merging forward into the already-cached range B.
	d.ranges.setCurrent(rangeA)
	rangeA.updateSeekRanges(d.streams)

	wantPackets := rangeA.queues[0].numPackets + rangeB.queues[0].numPackets - 1

	d.tryJoin()

	if len(d.ranges.ranges) != 1 {
		t.Fatalf("expected ranges to merge into one, got %d", len(d.ranges.ranges))
	}
	merged := d.ranges.current()
	if merged != rangeB {
		t.Errorf("expected range B to survive the join as the current range")
	}
	if merged.seekStart != 0 || merged.seekEnd != 8 {
		t.Errorf("merged range bounds: got [%v,%v), want [0,8)", merged.seekStart, merged.seekEnd)
	}
	if got := merged.queues[0].numPackets; got != wantPackets {
		t.Errorf("merged queue packet count: got %d, want %d", got, wantPackets)
	}
	if !d.streams[0].refreshing {
		t.Errorf("expected join to mark the stream refreshing for its catch-up seek")
	}
	if d.pendingSeek == nil || d.pendingSeek.pts != 7.0 || d.pendingSeek.flags != SeekHR {
		t.Errorf("expected a catch-up seek to seek_end-1.0 with SeekHR, got %+v", d.pendingSeek)
	}

	d.mu.Unlock()
	checkInvariants(t, d)
}

// TestRangeJoinNoOverlapLeavesRangesUntouched confirms a candidate range
// that does not overlap the current range's seek interval is never merged.
func TestRangeJoinNoOverlapLeavesRangesUntouched(t *testing.T) {
	t.Parallel()

	fp := newFakeProducer(StreamDescriptor{Type: StreamVideo})
	d := openTestDemuxer(t, fp, WithMaxBackBytes(50<<20))
	d.Select(0, true, 0)

	segKF := func(pts float64, pos int64) *Packet {
		return &Packet{
			Data: make([]byte, 50), DTS: pts, PTS: pts, Pos: pos,
			Keyframe: true, Segmented: true, SegmentStart: pts, SegmentEnd: pts + 1,
		}
	}

	d.mu.Lock()
	d.streams[0].needRefresh = false // simulate the refresh seek already having been serviced
	for i, pts := range []float64{0, 1} {
		d.addPacketLocked(0, segKF(pts, int64(i)))
	}
	rangeA := d.ranges.current()
	rangeA.queues[0].closeBlock()
	rangeA.updateSeekRanges(d.streams)

	d.ranges.ranges = append(d.ranges.ranges, newCachedRange(len(d.streams)))
	rangeB := d.ranges.current()
	for i, pts := range []float64{100, 101} {
		d.addPacketLocked(0, segKF(pts, int64(200+i)))
	}
	rangeB.queues[0].closeBlock()
	rangeB.updateSeekRanges(d.streams)

	d.ranges.setCurrent(rangeA)
	rangeA.updateSeekRanges(d.streams)

	d.tryJoin()

	if len(d.ranges.ranges) != 2 {
		t.Errorf("expected non-overlapping ranges to remain separate, got %d", len(d.ranges.ranges))
	}
	d.mu.Unlock()
	checkInvariants(t, d)
}
