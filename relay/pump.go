package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/ccx"
	"github.com/zsiec/cascade/demux"
	"github.com/zsiec/cascade/ingest/mpegts"
	"github.com/zsiec/cascade/media"
	"github.com/zsiec/cascade/moq"
)

// PumpStats captures frame-forwarding counters for a Pump, exposed to the
// debug API alongside the demuxer's own telemetry.
type PumpStats struct {
	VideoForwarded   int64
	AudioForwarded   int64
	CaptionForwarded int64
	LastVideoPTS     int64
	LastAudioPTS     int64
}

// captionStreamTag mirrors ingest/mpegts's aggregated caption stream tag, so
// Pump can recognize it without importing producer-internal state.
const captionStreamTag = "captions"

// Pump drains a Demuxer's registered streams and reconstructs
// media.VideoFrame/media.AudioFrame/ccx.CaptionFrame values from its
// demux.Packet stream, broadcasting each through a Relay. The demuxer's
// packet conversion (ingest/mpegts.Producer) discards parameter sets and
// per-track metadata to keep demux.Packet codec-agnostic; Pump re-derives
// what each frame needs directly from the packet payload and the stream's
// Tags, using the same NAL/ADTS parsing helpers the producer itself uses.
type Pump struct {
	dmx   *demux.Demuxer
	relay *Relay
	stats mpegts.StatsRecorder
	log   *slog.Logger

	videoStream int
	hasVideo    bool
	isHEVC      bool

	audioMu      sync.Mutex
	audioStreams []int // demux stream index, ordered by TrackIndex
	runCtx       context.Context
	wg           sync.WaitGroup

	captionStream int
	hasCaptions   bool

	sps, pps, vps []byte
	groupID       uint32

	videoInfoSent bool
	audioInfoSent bool

	videoForwarded   atomic.Int64
	audioForwarded   atomic.Int64
	captionForwarded atomic.Int64
	lastVideoPTS     atomic.Int64
	lastAudioPTS     atomic.Int64
}

// DebugStats returns a point-in-time snapshot of frame-forwarding counters.
func (p *Pump) DebugStats() PumpStats {
	return PumpStats{
		VideoForwarded:   p.videoForwarded.Load(),
		AudioForwarded:   p.audioForwarded.Load(),
		CaptionForwarded: p.captionForwarded.Load(),
		LastVideoPTS:     p.lastVideoPTS.Load(),
		LastAudioPTS:     p.lastAudioPTS.Load(),
	}
}

// NewPump builds a Pump for dmx, classifying its streams by StreamDescriptor
// Type and Tags["codec"] exactly as ingest/mpegts.Producer.Open registered
// them. Must be called only after dmx's initial stream registration has
// completed (i.e. after demux.Open returns).
func NewPump(dmx *demux.Demuxer, r *Relay, stats mpegts.StatsRecorder) *Pump {
	p := &Pump{
		dmx:           dmx,
		relay:         r,
		stats:         stats,
		log:           slog.With("component", "relay.pump"),
		videoStream:   -1,
		captionStream: -1,
	}
	for _, sh := range dmx.Streams() {
		switch sh.Type {
		case demux.StreamVideo:
			p.videoStream = sh.Index
			p.hasVideo = true
			p.isHEVC = sh.Tags["codec"] == "h265"
		case demux.StreamAudio:
			p.audioStreams = append(p.audioStreams, sh.Index)
		case demux.StreamSubtitle:
			if sh.Tags["format"] == captionStreamTag {
				p.captionStream = sh.Index
				p.hasCaptions = true
			}
		}
	}
	r.SetAudioTrackCount(len(p.audioStreams))
	for _, sh := range dmx.Streams() {
		if sh.Type == demux.StreamVideo || sh.Type == demux.StreamAudio || sh.Type == demux.StreamSubtitle {
			dmx.Select(sh.Index, true, demux.NoPTS)
		}
	}
	return p
}

// Run starts one ReadPacket loop per classified stream, subscribes to
// demux.EventStreams so a PMT update revealing a new audio track mid-stream
// gets its own pumpAudio loop, and blocks until ctx is cancelled or every
// loop has exited.
func (p *Pump) Run(ctx context.Context) {
	p.runCtx = ctx
	p.dmx.OnEvent(p.handleDemuxEvent)

	if p.hasVideo {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pumpVideo(ctx)
		}()
	}

	p.audioMu.Lock()
	streams := append([]int(nil), p.audioStreams...)
	p.audioMu.Unlock()
	for trackIdx, streamIdx := range streams {
		p.startAudioPump(trackIdx, streamIdx)
	}

	if p.hasCaptions {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pumpCaptions(ctx)
		}()
	}

	p.wg.Wait()
}

func (p *Pump) startAudioPump(trackIdx, streamIdx int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pumpAudio(p.runCtx, trackIdx, streamIdx)
	}()
}

// handleDemuxEvent is the demux.Demuxer wakeup callback (registered via
// OnEvent), invoked with no Demuxer lock held whenever new events are
// coalesced. On EventStreams it looks for audio streams not yet known to
// this Pump, selects each one and starts a pumpAudio loop for it, so a late
// PMT-revealed audio track reaches viewers without a restart.
func (p *Pump) handleDemuxEvent() {
	if p.dmx.Events()&demux.EventStreams == 0 {
		return
	}

	p.audioMu.Lock()
	defer p.audioMu.Unlock()

	known := make(map[int]bool, len(p.audioStreams))
	for _, idx := range p.audioStreams {
		known[idx] = true
	}
	for _, sh := range p.dmx.Streams() {
		if sh.Type != demux.StreamAudio || known[sh.Index] {
			continue
		}
		trackIdx := len(p.audioStreams)
		p.audioStreams = append(p.audioStreams, sh.Index)
		p.relay.SetAudioTrackCount(len(p.audioStreams))
		p.dmx.Select(sh.Index, true, demux.NoPTS)
		p.startAudioPump(trackIdx, sh.Index)
		p.log.Info("late audio track discovered", "trackIndex", trackIdx, "streamIndex", sh.Index)
	}
}

func (p *Pump) pumpVideo(ctx context.Context) {
	for {
		pkt, err := p.dmx.ReadPacket(ctx, p.videoStream)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Info("video pump exiting", "error", err)
			}
			return
		}
		frame := p.buildVideoFrame(pkt)
		if p.stats != nil {
			p.stats.RecordVideoFrame(int64(len(pkt.Data)), pkt.Keyframe, frame.PTS)
		}
		p.relay.BroadcastVideo(frame)
		p.videoForwarded.Add(1)
		p.lastVideoPTS.Store(frame.PTS)
	}
}

func (p *Pump) pumpAudio(ctx context.Context, trackIdx, streamIdx int) {
	for {
		pkt, err := p.dmx.ReadPacket(ctx, streamIdx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Info("audio pump exiting", "track", trackIdx, "error", err)
			}
			return
		}
		frame := p.buildAudioFrame(pkt, trackIdx)
		if p.stats != nil {
			p.stats.RecordAudioFrame(trackIdx, int64(len(pkt.Data)), frame.PTS, frame.SampleRate, frame.Channels)
		}
		p.relay.BroadcastAudio(frame)
		p.audioForwarded.Add(1)
		p.lastAudioPTS.Store(frame.PTS)
	}
}

func (p *Pump) pumpCaptions(ctx context.Context) {
	for {
		pkt, err := p.dmx.ReadPacket(ctx, p.captionStream)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Info("caption pump exiting", "error", err)
			}
			return
		}
		frame := &ccx.CaptionFrame{PTS: secsToMicros(pkt.PTS), Text: string(pkt.Data)}
		if p.stats != nil {
			p.stats.RecordCaption(0)
		}
		p.relay.BroadcastCaptions(frame)
		p.captionForwarded.Add(1)
	}
}

// buildVideoFrame re-splits a packet's concatenated Annex B payload into
// individual NAL units, caches SPS/PPS/VPS as they're seen, advances the
// group counter on every keyframe, and on the first keyframe carrying a
// usable SPS publishes the relay's VideoInfo (codec string + decoder
// configuration record) exactly as the original pipeline did from a frame
// it received pre-parsed.
func (p *Pump) buildVideoFrame(pkt *demux.Packet) *media.VideoFrame {
	var units []mpegts.NALUnit
	codec := "h264"
	if p.isHEVC {
		codec = "h265"
		units = mpegts.ParseAnnexBHEVC(pkt.Data)
	} else {
		units = mpegts.ParseAnnexB(pkt.Data)
	}

	nalus := make([][]byte, 0, len(units))
	for _, u := range units {
		nalus = append(nalus, prefixStartCode(u.Data))
		if p.isHEVC {
			switch {
			case mpegts.IsHEVCVPS(u.Type):
				p.vps = u.Data
			case mpegts.IsHEVCSPS(u.Type):
				p.sps = u.Data
			case mpegts.IsHEVCPPS(u.Type):
				p.pps = u.Data
			}
		} else {
			switch {
			case mpegts.IsSPS(u.Type):
				p.sps = u.Data
			case mpegts.IsPPS(u.Type):
				p.pps = u.Data
			}
		}
	}

	if pkt.Keyframe {
		p.groupID++
	}

	frame := &media.VideoFrame{
		PTS:        secsToMicros(pkt.PTS),
		DTS:        secsToMicros(pkt.DTS),
		IsKeyframe: pkt.Keyframe,
		NALUs:      nalus,
		SPS:        p.sps,
		PPS:        p.pps,
		VPS:        p.vps,
		Codec:      codec,
		GroupID:    p.groupID,
	}

	if !p.videoInfoSent && pkt.Keyframe && p.sps != nil {
		if vi, ok := p.buildVideoInfo(frame); ok {
			p.relay.SetVideoInfo(vi)
			p.videoInfoSent = true
		}
	}

	return frame
}

func (p *Pump) buildVideoInfo(frame *media.VideoFrame) (VideoInfo, bool) {
	var vi VideoInfo
	if frame.Codec == "h265" {
		info, err := mpegts.ParseHEVCSPS(frame.SPS)
		if err != nil {
			return vi, false
		}
		vi = VideoInfo{Codec: info.CodecString(), Width: info.Width, Height: info.Height}
		if frame.VPS != nil {
			vi.DecoderConfig = moq.BuildHEVCDecoderConfig(frame.VPS, frame.SPS, frame.PPS)
		}
	} else {
		info, err := mpegts.ParseSPS(frame.SPS)
		if err != nil {
			return vi, false
		}
		vi = VideoInfo{Codec: info.CodecString(), Width: info.Width, Height: info.Height}
		vi.DecoderConfig = moq.BuildAVCDecoderConfig(frame.SPS, frame.PPS)
	}
	return vi, vi.Width > 0
}

// buildAudioFrame recovers sample rate and channel count by parsing the
// packet's own ADTS header, since the producer dropped them when it
// flattened the frame into a demux.Packet.
func (p *Pump) buildAudioFrame(pkt *demux.Packet, trackIdx int) *media.AudioFrame {
	frame := &media.AudioFrame{
		PTS:        secsToMicros(pkt.PTS),
		Data:       pkt.Data,
		TrackIndex: trackIdx,
	}

	if adts, err := mpegts.ParseADTS(pkt.Data); err == nil && len(adts) > 0 {
		frame.SampleRate = adts[0].SampleRate
		frame.Channels = adts[0].Channels
	}

	if !p.audioInfoSent && frame.SampleRate > 0 {
		p.relay.SetAudioInfo(AudioInfo{
			Codec:      "mp4a.40.02",
			SampleRate: frame.SampleRate,
			Channels:   frame.Channels,
		})
		p.audioInfoSent = true
	}

	return frame
}

// prefixStartCode re-attaches the 4-byte Annex B start code that
// mpegts.ParseAnnexB/ParseAnnexBHEVC strip off, matching how ingest/mpegts's
// own channel demuxer assembles NALUs before the lossy conversion to
// demux.Packet.
func prefixStartCode(nalu []byte) []byte {
	out := make([]byte, 0, 4+len(nalu))
	out = append(out, 0, 0, 0, 1)
	return append(out, nalu...)
}

// secsToMicros inverts ingest/mpegts.Producer's microsToSecs, converting a
// demux.Packet timestamp back to the microsecond int64 media.VideoFrame and
// media.AudioFrame expect.
func secsToMicros(secs float64) int64 {
	if !demux.HasTimestamp(secs) {
		return 0
	}
	return int64(secs * 1_000_000.0)
}
