// Package stream tracks the lifecycle of active live streams, wiring each
// registered stream key to a demux.Demuxer, a relay.Pump, and a relay.Relay,
// and providing create/remove/list operations used by the ingest and
// distribution layers.
package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/cascade/demux"
	"github.com/zsiec/cascade/distribution"
	"github.com/zsiec/cascade/ingest/mpegts"
	"github.com/zsiec/cascade/relay"
)

// Stream bundles the demuxer, pump, and relay for a single live stream, and
// satisfies distribution.DebugProvider so it can be registered directly as a
// stream's stats provider.
type Stream struct {
	Key       string
	StartedAt time.Time
	Relay     *relay.Relay

	log      *slog.Logger
	demuxer  *demux.Demuxer
	pump     *relay.Pump
	stats    *distribution.DemuxStats
	protocol string

	cancel context.CancelFunc
	done   chan struct{}
}

// SetProtocol records the ingest protocol name (e.g. "SRT") for inclusion
// in the stats overlay sent to viewers.
func (s *Stream) SetProtocol(proto string) {
	s.protocol = proto
}

// StreamSnapshot returns a point-in-time snapshot of stream health metrics,
// suitable for JSON serialization and delivery to viewers on the MoQ "stats"
// track.
func (s *Stream) StreamSnapshot() distribution.StreamSnapshot {
	video, audio, captions, scte35 := s.stats.Snapshot()

	return distribution.StreamSnapshot{
		Timestamp:   time.Now().UnixMilli(),
		UptimeMs:    time.Since(s.StartedAt).Milliseconds(),
		Protocol:    s.protocol,
		Video:       video,
		Audio:       audio,
		Captions:    captions,
		SCTE35:      scte35,
		ViewerCount: s.Relay.ViewerCount(),
		Viewers:     s.Relay.ViewerStatsAll(),
	}
}

// PipelineDebug returns low-level forwarding counters for the
// /api/streams/{key}/debug endpoint. The Pump reads packets directly from
// the demuxer's buffering cache rather than draining intermediate channels,
// so the channel-depth fields are always zero.
func (s *Stream) PipelineDebug() distribution.PipelineDebugStats {
	ps := s.pump.DebugStats()
	return distribution.PipelineDebugStats{
		VideoForwarded:  ps.VideoForwarded,
		AudioForwarded:  ps.AudioForwarded,
		CaptionFwd:      ps.CaptionForwarded,
		LastVideoFwdPTS: ps.LastVideoPTS,
		LastAudioFwdPTS: ps.LastAudioPTS,
	}
}

// DemuxStats returns the underlying DemuxStats collector for PTS debug queries.
func (s *Stream) DemuxStats() *distribution.DemuxStats {
	return s.stats
}

// Done returns a channel that closes once the stream's pump goroutines have
// exited, whether because the input reader hit EOF, the demuxer was closed,
// or ctx was cancelled.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Manager manages the lifecycle of active streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create opens input as an MPEG-TS stream under key, wiring a demux.Demuxer
// and a relay.Pump that feeds r. r is typically obtained from the
// distribution server's RegisterStream, so the same Relay instance backs
// both the viewer-facing MoQ sessions and this stream's frame pump. Returns
// the stream and true if created, or nil and false if a stream with this
// key already exists or the demuxer failed to open.
func (m *Manager) Create(ctx context.Context, key string, input io.Reader, r *relay.Relay) (*Stream, bool) {
	m.mu.Lock()
	if _, ok := m.streams[key]; ok {
		m.mu.Unlock()
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	m.mu.Unlock()

	log := m.log.With("stream", key)
	stats := distribution.NewDemuxStats()
	producer := mpegts.NewProducer(input, log, true)
	producer.SetStats(stats)

	dmx, err := demux.Open(ctx, producer, demux.WithSubCreateCCTrack(true))
	if err != nil {
		log.Warn("demux open failed", "error", err)
		return nil, false
	}

	pump := relay.NewPump(dmx, r, stats)

	runCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Relay:     r,
		log:       log,
		demuxer:   dmx,
		pump:      pump,
		stats:     stats,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.streams[key]; ok {
		m.mu.Unlock()
		cancel()
		_ = dmx.Close(context.Background())
		log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	m.streams[key] = s
	m.mu.Unlock()

	go func() {
		defer close(s.done)
		pump.Run(runCtx)
	}()

	log.Info("stream created")
	return s, true
}

// Remove stops and removes a stream from the manager, closing its demuxer
// and cancelling its pump goroutines.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	s.cancel()
	_ = s.demuxer.Close(context.Background())
	<-s.done
	m.log.Info("stream removed", "key", key)
}

// Get returns the stream registered under key, or nil if not found.
func (m *Manager) Get(key string) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[key]
}

// List returns all active streams.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	return streams
}
