package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/cascade/demux"
)

// lateAudioProducer is a minimal demux.Producer that registers one audio
// track on Open, then reveals a second audio track from inside FillBuffer
// on its second call, mimicking a PMT update discovering a new AAC PID
// mid-stream. Every call after that blocks on ctx, like a live source idling
// between packets.
type lateAudioProducer struct {
	mu    sync.Mutex
	calls int

	audio0 int
	audio1 int
}

func (p *lateAudioProducer) Open(ctx context.Context, view demux.ProducerView, level demux.CheckLevel) error {
	p.audio0 = view.AddStream(demux.StreamDescriptor{
		Type: demux.StreamAudio,
		Tags: map[string]string{"codec": "aac"},
	})
	return nil
}

func (p *lateAudioProducer) FillBuffer(ctx context.Context, view demux.ProducerView) (int, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()

	switch call {
	case 1:
		view.AddPacket(p.audio0, &demux.Packet{PTS: 0, DTS: demux.NoPTS, Keyframe: true, Data: []byte{0x01}})
		return 1, nil
	case 2:
		p.mu.Lock()
		p.audio1 = view.AddStream(demux.StreamDescriptor{
			Type: demux.StreamAudio,
			Tags: map[string]string{"codec": "aac"},
		})
		p.mu.Unlock()
		view.AddPacket(p.audio1, &demux.Packet{PTS: 0, DTS: demux.NoPTS, Keyframe: true, Data: []byte{0x02}})
		return 1, nil
	default:
		<-ctx.Done()
		return 0, ctx.Err()
	}
}

func (p *lateAudioProducer) Seek(ctx context.Context, pts float64, flags demux.SeekFlags) error {
	return nil
}

func (p *lateAudioProducer) Control(ctx context.Context, cmd demux.ControlCmd, arg any) (any, error) {
	return nil, nil
}

func (p *lateAudioProducer) StreamControl(ctx context.Context, streamIndex int, cmd demux.StreamControlCmd, arg any) (any, error) {
	return nil, nil
}

func (p *lateAudioProducer) Close(ctx context.Context) error { return nil }

func (p *lateAudioProducer) Seekable() bool { return false }

// TestPumpDiscoversLateAudioTrack verifies that a Pump started against a
// single known audio track picks up a second track added mid-stream via
// demux.ProducerView.AddStream, without needing to be reconstructed.
func TestPumpDiscoversLateAudioTrack(t *testing.T) {
	t.Parallel()

	fp := &lateAudioProducer{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dmx, err := demux.Open(ctx, fp)
	if err != nil {
		t.Fatalf("demux.Open: %v", err)
	}
	defer dmx.Close(context.Background())

	r := NewRelay()
	pump := NewPump(dmx, r, nil)
	go pump.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if dmx.NumStreams() >= 2 && pump.DebugStats().AudioForwarded >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if got := dmx.NumStreams(); got < 2 {
		t.Fatalf("NumStreams: got %d, want >= 2 (late audio track never registered)", got)
	}
	if got := pump.DebugStats().AudioForwarded; got < 2 {
		t.Fatalf("AudioForwarded: got %d, want >= 2 (late audio track never pumped)", got)
	}
	if got := r.AudioTrackCount(); got < 2 {
		t.Errorf("relay AudioTrackCount: got %d, want >= 2", got)
	}
}
