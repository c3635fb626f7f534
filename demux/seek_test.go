package demux

import (
	"context"
	"testing"
)

// buildSeekFixture creates a video+audio demuxer with packets pre-loaded
// directly into the cache (bypassing the demux thread): video keyframes
// every 1s with one P-frame each, audio keyframes every 0.2s, spanning
// roughly [0, 10.5]. Both streams are selected before injection so the
// first packet for each becomes its initial reader_head.
func buildSeekFixture(t *testing.T) (*Demuxer, *fakeProducer) {
	t.Helper()
	fp := newFakeProducer(
		StreamDescriptor{Type: StreamVideo},
		StreamDescriptor{Type: StreamAudio},
	)
	d := openTestDemuxer(t, fp, WithSeekableCache(true), WithMaxBackBytes(50<<20))
	d.Select(0, true, 0)
	d.Select(1, true, 0)

	d.mu.Lock()
	d.streams[0].needRefresh = false // simulate the refresh seek already having been serviced
	d.streams[1].needRefresh = false
	d.mu.Unlock()

	var pos int64
	next := func() int64 { pos++; return pos }

	for i := 0; i <= 11; i++ {
		base := float64(i)
		injectPacket(d, 0, pkt(base, base, next(), true, 1000))
		injectPacket(d, 0, pkt(base+0.5, base+0.5, next(), false, 400))
	}
	for j := 0; j <= 58; j++ {
		ts := float64(j) * 0.2
		injectPacket(d, 1, pkt(ts, ts, next(), true, 200))
	}
	postBatch(d)
	return d, fp
}

func TestInCacheBackSeek(t *testing.T) {
	t.Parallel()

	d, fp := buildSeekFixture(t)
	ctx := context.Background()

	// "Play" forward to roughly t=9s on video.
	for i := 0; i < 18; i++ {
		if _, err := d.ReadPacket(ctx, 0); err != nil {
			t.Fatalf("priming read %d: %v", i, err)
		}
	}

	seeksBefore := len(fp.seeks)
	if err := d.Seek(ctx, 2.3, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if len(fp.seeks) != seeksBefore {
		t.Errorf("expected no low-level seek, producer.Seek called %d more times", len(fp.seeks)-seeksBefore)
	}

	d.mu.Lock()
	videoHead := d.streams[0].readerHead
	audioHead := d.streams[1].readerHead
	d.mu.Unlock()

	if videoHead == nil || videoHead.pkt.PTS != 2.0 {
		t.Fatalf("video reader_head: got %+v, want keyframe at pts=2.0", videoHead)
	}
	// Video's adopted kf_seek_pts (2.0) becomes the effective target for
	// other streams, not the raw request (2.3): audio must land on its own
	// keyframe at 2.0, not the finer-grained one at 2.2 that 2.3 alone would
	// have picked.
	if audioHead == nil || audioHead.pkt.PTS != 2.0 {
		t.Fatalf("audio reader_head: got %+v, want keyframe at pts=2.0 (adopted from video)", audioHead)
	}

	for i, want := range []float64{2.0, 2.5, 3.0} {
		got, err := d.ReadPacket(ctx, 0)
		if err != nil {
			t.Fatalf("post-seek read %d: %v", i, err)
		}
		if got.PTS != want {
			t.Errorf("post-seek video packet %d: got pts=%v, want %v", i, got.PTS, want)
		}
	}
	checkInvariants(t, d)
}

func TestFindSeekTargetForwardFlag(t *testing.T) {
	t.Parallel()

	d, _ := buildSeekFixture(t)
	ctx := context.Background()

	if err := d.Seek(ctx, 2.3, SeekForward); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	d.mu.Lock()
	head := d.streams[0].readerHead
	d.mu.Unlock()
	if head == nil || head.pkt.PTS != 3.0 {
		t.Fatalf("forward seek: got %+v, want keyframe at pts=3.0", head)
	}
}

// TestInCacheSeekAcrossRangesQueuesResume builds a second cached range
// ahead of the fixture's original one and seeks back into the original,
// now non-current, range. An in-cache seek that switches ranges must mark
// every selected stream refreshing and queue a low-level resume seek to
// the newly-current range's seek_end-1.0 with SeekHR, mirroring
// attemptJoin's range-switch handling in rangeset.go.
func TestInCacheSeekAcrossRangesQueuesResume(t *testing.T) {
	t.Parallel()

	d, _ := buildSeekFixture(t)
	ctx := context.Background()

	d.mu.Lock()
	oldRange := d.ranges.current()
	d.prepareFreshSeekLocked()
	d.mu.Unlock()

	var pos int64 = 1000
	next := func() int64 { pos++; return pos }
	for i := 0; i <= 5; i++ {
		base := 20 + float64(i)
		injectPacket(d, 0, pkt(base, base, next(), true, 1000))
	}
	for j := 0; j <= 10; j++ {
		ts := 20 + float64(j)*0.2
		injectPacket(d, 1, pkt(ts, ts, next(), true, 200))
	}
	postBatch(d)

	d.mu.Lock()
	if len(d.ranges.ranges) != 2 {
		d.mu.Unlock()
		t.Fatalf("expected 2 cached ranges, got %d", len(d.ranges.ranges))
	}
	newRange := d.ranges.current()
	d.mu.Unlock()
	if newRange == oldRange {
		t.Fatal("prepareFreshSeekLocked did not start a new current range")
	}

	// 2.3 only falls inside oldRange's [seek_start, seek_end).
	if err := d.Seek(ctx, 2.3, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ranges.current() != oldRange {
		t.Fatalf("current range after seek: got %p, want old range %p", d.ranges.current(), oldRange)
	}
	for _, sh := range d.streams {
		if sh.selected && !sh.refreshing {
			t.Errorf("stream %d: refreshing = false, want true after range switch", sh.Index)
		}
	}
	if d.pendingSeek == nil {
		t.Fatal("pendingSeek not queued after range switch")
	}
	if d.pendingSeek.flags != SeekHR {
		t.Errorf("pendingSeek.flags: got %v, want SeekHR", d.pendingSeek.flags)
	}
	if want := oldRange.seekEnd - 1.0; d.pendingSeek.pts != want {
		t.Errorf("pendingSeek.pts: got %v, want %v", d.pendingSeek.pts, want)
	}
}

// TestSeekSubtractsTSOffset verifies Seek subtracts the consumer-facing
// ts_offset (§4.6 step 1, §6's SetTSOffset) from its target before doing any
// cache lookup, so a caller that only ever sees offset timestamps can still
// seek by them. 3.3 in offset space with ts_offset=1.0 must land exactly
// where a raw seek to 2.3 does in TestInCacheBackSeek: the keyframe at
// pts=2.0.
func TestSeekSubtractsTSOffset(t *testing.T) {
	t.Parallel()

	d, _ := buildSeekFixture(t)
	ctx := context.Background()
	d.SetTSOffset(1.0)

	if err := d.Seek(ctx, 3.3, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	d.mu.Lock()
	head := d.streams[0].readerHead
	d.mu.Unlock()
	if head == nil || head.pkt.PTS != 2.0 {
		t.Fatalf("video reader_head: got %+v, want keyframe at pts=2.0 (3.3 - ts_offset 1.0)", head)
	}
}

func TestSeekNotSeekableWithoutForce(t *testing.T) {
	t.Parallel()

	fp := newFakeProducer(StreamDescriptor{Type: StreamVideo})
	fp.seekable = false
	d := openTestDemuxer(t, fp, WithSeekableCache(false))
	d.Select(0, true, 0)

	if err := d.Seek(context.Background(), 5.0, 0); err != ErrNotSeekable {
		t.Errorf("Seek on non-seekable source: got %v, want ErrNotSeekable", err)
	}
}
