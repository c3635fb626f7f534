package integration

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/ccx"
	"github.com/zsiec/cascade/demux"
	"github.com/zsiec/cascade/distribution"
	"github.com/zsiec/cascade/ingest/mpegts"
	"github.com/zsiec/cascade/media"
	"github.com/zsiec/cascade/relay"
)

// testViewer implements relay.Viewer to collect frames fanned out by a Relay.
type testViewer struct {
	id       string
	mu       sync.Mutex
	videos   []*media.VideoFrame
	audios   []*media.AudioFrame
	captions []*ccx.CaptionFrame

	videoSent      atomic.Int64
	audioSent      atomic.Int64
	captionSent    atomic.Int64
	videoDropped   atomic.Int64
	audioDropped   atomic.Int64
	captionDropped atomic.Int64
}

func (v *testViewer) ID() string { return v.id }

func (v *testViewer) SendVideo(frame *media.VideoFrame) {
	v.mu.Lock()
	v.videos = append(v.videos, frame)
	v.mu.Unlock()
	v.videoSent.Add(1)
}

func (v *testViewer) SendAudio(frame *media.AudioFrame) {
	v.mu.Lock()
	v.audios = append(v.audios, frame)
	v.mu.Unlock()
	v.audioSent.Add(1)
}

func (v *testViewer) SendCaptions(frame *ccx.CaptionFrame) {
	v.mu.Lock()
	v.captions = append(v.captions, frame)
	v.mu.Unlock()
	v.captionSent.Add(1)
}

func (v *testViewer) Stats() relay.ViewerStats {
	return relay.ViewerStats{
		ID:             v.id,
		VideoSent:      v.videoSent.Load(),
		AudioSent:      v.audioSent.Load(),
		CaptionSent:    v.captionSent.Load(),
		VideoDropped:   v.videoDropped.Load(),
		AudioDropped:   v.audioDropped.Load(),
		CaptionDropped: v.captionDropped.Load(),
	}
}

// openFixture wires an ingest/mpegts.Producer reading fixture into a
// demux.Demuxer, attaches a relay.Pump driving a fresh relay.Relay, and
// returns both. The pump's goroutines run until ctx is cancelled.
func openFixture(t *testing.T, ctx context.Context, fixture string) (*demux.Demuxer, *relay.Relay) {
	t.Helper()

	f, err := os.Open(fixture)
	if err != nil {
		t.Skipf("test fixture not available: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	log := slog.Default()
	producer := mpegts.NewProducer(f, log, true)
	stats := distribution.NewDemuxStats()
	producer.SetStats(stats)

	dmx, err := demux.Open(ctx, producer, demux.WithSubCreateCCTrack(true))
	if err != nil {
		t.Fatalf("demux.Open: %v", err)
	}
	t.Cleanup(func() { dmx.Close(context.Background()) })

	r := relay.NewRelay()
	pump := relay.NewPump(dmx, r, stats)
	go pump.Run(ctx)

	return dmx, r
}

// TestIntegration_TSFileToViewer feeds a real MPEG-TS file through the full
// delivery path (Producer -> Demuxer -> Pump -> Relay -> Viewer) and verifies
// that video and audio frames arrive at the viewer.
func TestIntegration_TSFileToViewer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	t.Parallel()

	const fixture = "../harness/BigBuckBunny_256x144-24fps.ts"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, r := openFixture(t, ctx, fixture)

	viewer := &testViewer{id: "integration-viewer"}
	r.AddViewer(viewer)

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		viewer.mu.Lock()
		videoCount := len(viewer.videos)
		audioCount := len(viewer.audios)
		viewer.mu.Unlock()
		if videoCount > 0 && audioCount > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	viewer.mu.Lock()
	videoCount := len(viewer.videos)
	audioCount := len(viewer.audios)
	hasKeyframe := false
	for _, vf := range viewer.videos {
		if vf.IsKeyframe {
			hasKeyframe = true
			break
		}
	}
	viewer.mu.Unlock()

	if videoCount == 0 {
		t.Fatal("expected video frames, got 0")
	}
	if audioCount == 0 {
		t.Fatal("expected audio frames, got 0")
	}
	if !hasKeyframe {
		t.Error("expected at least one keyframe in video frames")
	}

	t.Logf("delivered %d video frames, %d audio frames", videoCount, audioCount)

	if r.ViewerCount() != 1 {
		t.Errorf("ViewerCount: got %d, want 1", r.ViewerCount())
	}
}

// TestIntegration_LateJoinGOPReplay feeds a TS file through the delivery
// path, then adds a late-joining viewer and verifies it receives a GOP
// replay from the relay's cache.
func TestIntegration_LateJoinGOPReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	t.Parallel()

	const fixture = "../harness/BigBuckBunny_256x144-24fps.ts"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, r := openFixture(t, ctx, fixture)

	warmup := &testViewer{id: "warmup-viewer"}
	r.AddViewer(warmup)

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		warmup.mu.Lock()
		keyframes := 0
		for _, vf := range warmup.videos {
			if vf.IsKeyframe {
				keyframes++
			}
		}
		warmup.mu.Unlock()
		if keyframes > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	lateViewer := &testViewer{id: "late-joiner"}
	ch := make(chan *media.VideoFrame, media.VideoBufferSize)
	n := r.ReplayFullGOPToChannel(ch)
	close(ch)
	for vf := range ch {
		lateViewer.SendVideo(vf)
	}

	if n == 0 {
		t.Fatal("late-joining viewer got 0 frames from GOP replay")
	}

	lateViewer.mu.Lock()
	firstFrame := lateViewer.videos[0]
	lateCount := len(lateViewer.videos)
	lateViewer.mu.Unlock()

	if !firstFrame.IsKeyframe {
		t.Error("first frame of GOP replay should be a keyframe")
	}

	t.Logf("late-joining viewer got %d frames from GOP replay", lateCount)
}
