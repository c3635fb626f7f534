package demux

import (
	"context"
	"testing"
)

// TestSelectIdempotent checks the selection idempotence law: calling Select
// with the value a stream already has must not touch need_refresh or any
// other reader state.
func TestSelectIdempotent(t *testing.T) {
	t.Parallel()

	fp := newFakeProducer(StreamDescriptor{Type: StreamVideo})
	d := openTestDemuxer(t, fp)

	d.Select(0, true, 1.0)
	d.mu.Lock()
	sh := d.streams[0]
	sh.needRefresh = false // simulate the refresh already having been serviced
	sh.readerHead = nil
	wantEOF := sh.eof
	d.mu.Unlock()

	d.Select(0, true, 99.0) // same value again; must be a complete no-op
	d.mu.Lock()
	if sh.needRefresh {
		t.Errorf("redundant Select set need_refresh")
	}
	if sh.eof != wantEOF {
		t.Errorf("redundant Select touched eof: got %v, want %v", sh.eof, wantEOF)
	}
	d.mu.Unlock()

	d.Select(0, false, 0)
	d.mu.Lock()
	if d.streams[0].selected {
		t.Errorf("Select(false) did not deselect")
	}
	d.mu.Unlock()
}

func TestEagerLockedSubtitleSuppression(t *testing.T) {
	t.Parallel()

	video := &StreamDescriptor{Index: 0, Type: StreamVideo, selected: true}
	sub := &StreamDescriptor{Index: 1, Type: StreamSubtitle, selected: true}
	all := []*StreamDescriptor{video, sub}

	if !sub.eagerLocked([]*StreamDescriptor{sub}) {
		t.Errorf("sole selected subtitle stream should be eager")
	}
	if sub.eagerLocked(all) {
		t.Errorf("subtitle stream selected alongside a non-subtitle stream should not be eager")
	}
	if !video.eagerLocked(all) {
		t.Errorf("video stream should be eager regardless of subtitle selection")
	}

	pic := &StreamDescriptor{Index: 2, Type: StreamVideo, selected: true, AttachedPicture: &Packet{}}
	if pic.eagerLocked([]*StreamDescriptor{pic}) {
		t.Errorf("attached-picture-only stream should never be eager")
	}
}

// TestRefreshSeekOnLateSelection exercises §8 scenario 3: video and one
// audio track already selected and playing, then a second audio track is
// selected late with a reference pts. The demux thread must schedule a
// filtered backward seek (target - 1.0) rather than a plain forward seek,
// must not touch the already-playing streams' reader_head, and must start
// the newly selected stream's reader_head at its first delivered packet
// without applying any duplicate filter to it.
func TestRefreshSeekOnLateSelection(t *testing.T) {
	t.Parallel()

	fp := newFakeProducer(
		StreamDescriptor{Type: StreamVideo},
		StreamDescriptor{Type: StreamAudio},
		StreamDescriptor{Type: StreamAudio},
	)
	fp.feed(
		fakePacket{0, pkt(0, 0, 1, true, 1000)},
		fakePacket{1, pkt(0, 0, 2, true, 200)},
		fakePacket{0, pkt(1, 1, 3, true, 1000)},
		fakePacket{1, pkt(1, 1, 4, true, 200)},
		fakePacket{0, pkt(2, 2, 5, true, 1000)},
		fakePacket{1, pkt(2, 2, 6, true, 200)},
		fakePacket{0, pkt(3, 3, 7, true, 1000)},
		fakePacket{1, pkt(3, 3, 8, true, 200)},
	)

	d := openTestDemuxer(t, fp)
	ctx := context.Background()
	d.Select(0, true, 0)
	d.Select(1, true, 0)

	// Drive setup + the onlyNew refresh seek + the fill that consumes the
	// single scripted batch above.
	for i := 0; i < 10 && fp.batchIdx == 0; i++ {
		d.stepOnce(ctx)
	}
	if fp.batchIdx == 0 {
		t.Fatalf("initial batch never consumed")
	}

	d.mu.Lock()
	videoHeadBefore := d.streams[0].readerHead
	audio0HeadBefore := d.streams[1].readerHead
	seeksBefore := len(fp.seeks)
	d.mu.Unlock()

	d.Select(2, true, 3.0)

	for i := 0; i < 10 && len(fp.seeks) == seeksBefore; i++ {
		d.stepOnce(ctx)
	}
	if len(fp.seeks) == seeksBefore {
		t.Fatalf("expected a refresh seek to be issued")
	}
	last := fp.seeks[len(fp.seeks)-1]
	if last.pts != 2.0 {
		t.Errorf("refresh seek target: got %v, want 2.0 (ref_pts 3.0 - 1.0)", last.pts)
	}

	fp.feed(
		fakePacket{0, pkt(2, 2, 5, true, 1000)}, // duplicate, dts <= lastDTS(3)
		fakePacket{1, pkt(2, 2, 6, true, 200)},  // duplicate
		fakePacket{0, pkt(4, 4, 9, true, 1000)}, // new
		fakePacket{1, pkt(4, 4, 10, true, 200)}, // new
		fakePacket{2, pkt(3, 3, 100, true, 50)}, // first-ever packet for track 2
		fakePacket{2, pkt(3.2, 3.2, 101, true, 50)},
	)
	for i := 0; i < 10 && fp.batchIdx < len(fp.batches); i++ {
		d.stepOnce(ctx)
	}

	d.mu.Lock()

	if d.streams[0].readerHead != videoHeadBefore {
		t.Errorf("video reader_head moved during a refresh seek that only added a late track")
	}
	if d.streams[1].readerHead != audio0HeadBefore {
		t.Errorf("audio track 1 reader_head moved during a refresh seek that only added a late track")
	}
	if d.streams[0].refreshing {
		t.Errorf("video refreshing flag should have cleared once a post-seek packet passed the dedup filter")
	}
	if d.streams[1].refreshing {
		t.Errorf("audio track 1 refreshing flag should have cleared once a post-seek packet passed the dedup filter")
	}

	head2 := d.streams[2].readerHead
	if head2 == nil || head2.pkt.PTS != 3.0 {
		t.Fatalf("newly selected track's reader_head: got %+v, want first delivered packet at pts=3.0", head2)
	}

	cur := d.ranges.current()
	if q := cur.queues[0]; q.lastDTS != 4 {
		t.Errorf("video queue lastDTS: got %v, want 4 (duplicates must not have been appended)", q.lastDTS)
	}
	if q := cur.queues[1]; q.lastDTS != 4 {
		t.Errorf("audio track 1 queue lastDTS: got %v, want 4", q.lastDTS)
	}
	d.mu.Unlock()
	checkInvariants(t, d)
}
