package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/zsiec/cascade/demux"
	"github.com/zsiec/cascade/media"
)

// caption channel assignment for the single aggregated subtitle stream this
// producer registers when Options.SubCreateCCTrack is set. CEA-608 channels
// occupy 1-4, CEA-708 services are offset by 6 in Demuxer.drainDTVCC.
const captionStreamTag = "captions"

// Producer adapts the channel-based Demuxer above to the demux.Producer
// interface (§6): it runs the channel demuxer on its own goroutine and
// turns VideoFrame/AudioFrame/CaptionFrame values into demux.Packet values
// on FillBuffer, instead of the caller draining three separate channels
// directly.
type Producer struct {
	r   io.Reader
	log *slog.Logger

	dmx *Demuxer

	videoStream    int
	audioStreams   map[int]int // track index -> demuxer stream index
	captionStream  int
	haveCaptions   bool
	subCreateCC    bool

	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error

	videoClosed, audioClosed, captionClosed bool
}

// NewProducer constructs a Producer reading an MPEG-TS byte stream from r.
// subCreateCCTrack mirrors demux.Options.SubCreateCCTrack: when true, a
// single subtitle stream aggregating all decoded closed captions is
// registered alongside the video and audio streams.
func NewProducer(r io.Reader, log *slog.Logger, subCreateCCTrack bool) *Producer {
	return &Producer{
		r:            r,
		log:          log,
		dmx:          NewDemuxer(r, log),
		audioStreams: make(map[int]int),
		subCreateCC:  subCreateCCTrack,
	}
}

// SetStats attaches a StatsRecorder to the underlying channel demuxer,
// forwarded unchanged from distribution's telemetry wiring.
func (p *Producer) SetStats(s StatsRecorder) {
	p.dmx.SetStats(s)
}

// Open starts the channel demuxer in the background and blocks until the
// first PMT is parsed (or ctx is cancelled), then registers one stream per
// discovered video/audio PID and, if requested, one aggregated caption
// stream.
func (p *Producer) Open(ctx context.Context, view demux.ProducerView, level demux.CheckLevel) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.runErr = p.dmx.Run(runCtx)
	}()

	select {
	case <-p.dmx.PMTReady():
	case <-ctx.Done():
		cancel()
		return errors.Join(demux.ErrProducerOpenFailed, ctx.Err())
	case <-p.done:
		cancel()
		return errors.Join(demux.ErrProducerOpenFailed, p.runErr)
	}

	if p.dmx.videoPID == 0 && len(p.dmx.AudioTrackChannels()) == 0 {
		cancel()
		return demux.ErrProducerOpenFailed
	}

	if p.dmx.videoPID != 0 {
		codec := "h264"
		if p.dmx.isHEVC {
			codec = "h265"
		}
		p.videoStream = view.AddStream(demux.StreamDescriptor{
			Type:      demux.StreamVideo,
			DemuxerID: int(p.dmx.videoPID),
			Tags:      map[string]string{"codec": codec},
		})
	}

	for _, track := range p.dmx.AudioTrackChannels() {
		idx := view.AddStream(demux.StreamDescriptor{
			Type:      demux.StreamAudio,
			DemuxerID: int(track.PID),
			Tags:      map[string]string{"codec": "aac"},
		})
		p.audioStreams[track.TrackIndex] = idx
	}

	if p.subCreateCC {
		p.captionStream = view.AddStream(demux.StreamDescriptor{
			Type: demux.StreamSubtitle,
			Tags: map[string]string{"format": captionStreamTag},
		})
		p.haveCaptions = true
	}

	return nil
}

// FillBuffer drains whatever the channel demuxer has produced since the
// last call, converting each frame into a demux.Packet and handing it to
// view.AddPacket. It blocks on at least one channel (or ctx) when nothing
// is immediately ready, since the demux thread calls FillBuffer with the
// Demuxer lock dropped specifically so this can block.
func (p *Producer) FillBuffer(ctx context.Context, view demux.ProducerView) (int, error) {
	n := 0

	for {
		select {
		case vf, ok := <-p.dmx.Video():
			if !ok {
				p.videoClosed = true
				break
			}
			view.AddPacket(p.videoStream, videoFrameToPacket(vf))
			n++
			return p.drainMore(ctx, view, n)

		case af, ok := <-p.dmx.Audio():
			if !ok {
				p.audioClosed = true
				break
			}
			streamIdx := p.registerAudioTrack(view, af.TrackIndex)
			view.AddPacket(streamIdx, audioFrameToPacket(af))
			n++
			return p.drainMore(ctx, view, n)

		case cf, ok := <-p.dmx.Captions():
			if !ok {
				p.captionClosed = true
				break
			}
			if p.haveCaptions {
				view.AddPacket(p.captionStream, captionFrameToPacket(cf))
				n++
			}
			return p.drainMore(ctx, view, n)

		case <-ctx.Done():
			return n, ctx.Err()
		}

		if p.videoClosed && p.audioClosed && p.captionClosed {
			if p.runErr != nil && !errors.Is(p.runErr, context.Canceled) {
				return n, p.runErr
			}
			return n, nil
		}
	}
}

// registerAudioTrack returns the demux stream index for trackIdx, calling
// view.AddStream to register it on first sight. A PMT update revealing a
// new audio PID mid-stream surfaces here as an AudioFrame carrying a
// TrackIndex not yet in p.audioStreams; this is the only place new tracks
// are registered, since the channel demuxer itself has no separate
// track-added notification.
func (p *Producer) registerAudioTrack(view demux.ProducerView, trackIdx int) int {
	if idx, known := p.audioStreams[trackIdx]; known {
		return idx
	}
	pid := 0
	for _, track := range p.dmx.AudioTrackChannels() {
		if track.TrackIndex == trackIdx {
			pid = int(track.PID)
			break
		}
	}
	idx := view.AddStream(demux.StreamDescriptor{
		Type:      demux.StreamAudio,
		DemuxerID: pid,
		Tags:      map[string]string{"codec": "aac"},
	})
	p.audioStreams[trackIdx] = idx
	p.log.Info("registered audio track", "trackIndex", trackIdx, "pid", pid, "streamIndex", idx)
	return idx
}

// drainMore opportunistically pulls any additional frames already queued
// on the channels without blocking, so a single FillBuffer call empties a
// burst instead of round-tripping through the demuxer lock per frame.
func (p *Producer) drainMore(ctx context.Context, view demux.ProducerView, n int) (int, error) {
	for {
		select {
		case vf, ok := <-p.dmx.Video():
			if !ok {
				p.videoClosed = true
				continue
			}
			view.AddPacket(p.videoStream, videoFrameToPacket(vf))
			n++
		case af, ok := <-p.dmx.Audio():
			if !ok {
				p.audioClosed = true
				continue
			}
			streamIdx := p.registerAudioTrack(view, af.TrackIndex)
			view.AddPacket(streamIdx, audioFrameToPacket(af))
			n++
		case cf, ok := <-p.dmx.Captions():
			if !ok {
				p.captionClosed = true
				continue
			}
			if p.haveCaptions {
				view.AddPacket(p.captionStream, captionFrameToPacket(cf))
				n++
			}
		default:
			return n, nil
		}
	}
}

// Seek is unsupported: live SRT ingest has no seekable backing store.
func (p *Producer) Seek(ctx context.Context, pts float64, flags demux.SeekFlags) error {
	return demux.ErrNotSeekable
}

// Control answers demuxer-global queries. Only ControlGetMetadata is
// meaningful here, reporting the discovered video codec if any.
func (p *Producer) Control(ctx context.Context, cmd demux.ControlCmd, arg any) (any, error) {
	switch cmd {
	case demux.ControlGetMetadata:
		meta := map[string]string{}
		if p.dmx.videoPID != 0 {
			if p.dmx.isHEVC {
				meta["video_codec"] = "h265"
			} else {
				meta["video_codec"] = "h264"
			}
		}
		return meta, nil
	default:
		return nil, nil
	}
}

// StreamControl answers per-stream queries, currently only bitrate, which
// this producer does not track itself (the demux core layer computes its
// own bitrate estimate from dequeued packets instead).
func (p *Producer) StreamControl(ctx context.Context, streamIndex int, cmd demux.StreamControlCmd, arg any) (any, error) {
	return nil, nil
}

// Close cancels the background Run goroutine and waits for it to exit.
func (p *Producer) Close(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	return nil
}

// Seekable reports false: SRT ingest is a live, unseekable source.
func (p *Producer) Seekable() bool { return false }

func videoFrameToPacket(vf *media.VideoFrame) *demux.Packet {
	var data []byte
	for _, n := range vf.NALUs {
		data = append(data, n...)
	}
	return &demux.Packet{
		Data:     data,
		PTS:      microsToSecs(vf.PTS),
		DTS:      microsToSecs(vf.DTS),
		Keyframe: vf.IsKeyframe,
	}
}

func audioFrameToPacket(af *media.AudioFrame) *demux.Packet {
	return &demux.Packet{
		Data:     af.Data,
		PTS:      microsToSecs(af.PTS),
		DTS:      demux.NoPTS,
		Keyframe: true,
	}
}

func captionFrameToPacket(cf *ccx.CaptionFrame) *demux.Packet {
	return &demux.Packet{
		Data:     []byte(cf.Text),
		PTS:      microsToSecs(cf.PTS),
		DTS:      demux.NoPTS,
		Keyframe: true,
	}
}

func microsToSecs(us int64) float64 {
	if us == 0 {
		return demux.NoPTS
	}
	return float64(us) / 1_000_000.0
}
