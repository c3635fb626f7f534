package demux

import (
	"context"
	"errors"
	"log/slog"
)

// CheckLevel controls how strict a Producer's Open should be about
// confirming that the source actually matches its format.
type CheckLevel int

const (
	CheckForce CheckLevel = iota
	CheckUnsafe
	CheckRequest
	CheckNormal
)

// SeekFlags modify the behavior of Seek and the Producer's low-level Seek.
type SeekFlags uint8

const (
	// SeekFactor treats the target as a fraction (0..1) of total duration
	// instead of an absolute timestamp, and skips ts_offset subtraction.
	SeekFactor SeekFlags = 1 << iota
	// SeekForward requests landing at or after the target instead of at or
	// before it.
	SeekForward
	// SeekHR ("hint: accurate") requests the producer land as close as
	// possible to the target, for use by decoders that need exact frames.
	SeekHR
)

// Event is a bit in the coalesced event mask published by demux_changed and
// consumed by demux_update (§4.8).
type Event uint32

const (
	// EventInit fires once, after Open completes successfully.
	EventInit Event = 1 << iota
	// EventMetadata fires whenever a ControlGetMetadata poll (run once per
	// demux thread fill cycle) returns a result that differs from the last
	// poll. See Demuxer.Metadata.
	EventMetadata
	// EventStreams fires whenever AddStream registers a new stream, whether
	// from Open or mid-stream from inside FillBuffer.
	EventStreams
	// EventProducerBase is the first bit available for producer-defined
	// events, per spec.md §6 ("plus any producer-defined bits").
	EventProducerBase Event = 1 << 8
)

// StreamControlCmd identifies a format-specific query forwarded to the
// Producer with the demuxer lock dropped (§6, §7).
type StreamControlCmd int

const (
	StreamCtrlGetBitrate StreamControlCmd = iota
	StreamCtrlReconnect
	StreamCtrlReplaceStream
)

// ControlCmd identifies a demuxer-global query forwarded to the Producer.
type ControlCmd int

const (
	ControlGetMetadata ControlCmd = iota
	ControlGetReaderState
	ControlTracksSwitched
)

// Sentinel errors for the kinds spec.md §7 calls out as surfaced by the
// core rather than absorbed locally.
var (
	// ErrProducerOpenFailed is returned by Open when no registered parser
	// accepted the stream.
	ErrProducerOpenFailed = errors.New("demux: producer open failed")
	// ErrNotSeekable is returned by Seek when the source reports unseekable
	// and is not force-seekable. No state change occurs.
	ErrNotSeekable = errors.New("demux: source is not seekable")
	// ErrRefreshImpossible is logged (not returned) when a refresh seek is
	// requested but neither DTS nor position is monotonic for some stream;
	// selection proceeds without the refresh. Exported so callers/tests can
	// match it via errors.Is against log records if desired.
	ErrRefreshImpossible = errors.New("demux: refresh seek not possible, monotonicity lost")
	// ErrJoinFailed marks an aborted range join (logged as a warning).
	ErrJoinFailed = errors.New("demux: range join aborted, overlap mismatch")
)

// AddPacketFunc is how a Producer's FillBuffer delivers parsed packets back
// into the Demuxer during a single fill cycle.
type AddPacketFunc func(streamIndex int, p *Packet)

// AddStreamFunc registers a new elementary stream discovered mid-stream
// (e.g. a PMT update revealing a new audio track) and returns its assigned
// index.
type AddStreamFunc func(desc StreamDescriptor) int

// ProducerView is the Demuxer-side handle a Producer uses to emit packets
// and register streams while FillBuffer/Open run with the lock dropped.
type ProducerView struct {
	AddPacket AddPacketFunc
	AddStream AddStreamFunc
}

// Producer is the external collaborator that turns bytes into packets
// (§6). Implementations are format-specific (MPEG-TS, Matroska, ...); this
// package is agnostic to the wire format.
type Producer interface {
	// Open prepares the producer to read from its underlying byte source.
	// Returns ErrProducerOpenFailed if the source doesn't match the format.
	Open(ctx context.Context, view ProducerView, level CheckLevel) error

	// FillBuffer reads and parses as much as is convenient, calling
	// view.AddPacket zero or more times. Returns the number of packets
	// emitted, or 0 to indicate EOF. Must check ctx before blocking I/O.
	FillBuffer(ctx context.Context, view ProducerView) (int, error)

	// Seek requests the producer reposition its read point to pts, honoring
	// flags (SeekForward/SeekFactor/SeekHR).
	Seek(ctx context.Context, pts float64, flags SeekFlags) error

	// Control answers a demuxer-global query.
	Control(ctx context.Context, cmd ControlCmd, arg any) (any, error)

	// StreamControl answers a per-stream, format-specific query.
	StreamControl(ctx context.Context, streamIndex int, cmd StreamControlCmd, arg any) (any, error)

	// Close releases the producer's resources. Called once, after the demux
	// thread has stopped.
	Close(ctx context.Context) error

	// Seekable reports whether the underlying source supports seeking at
	// all (independent of force-seekable, which the Demuxer applies itself).
	Seekable() bool
}

// Options configures a Demuxer, read once at Open (§6).
type Options struct {
	// ReadaheadSecs is the minimum forward time buffered per eager stream
	// before read-ahead idles.
	ReadaheadSecs float64
	// MaxBytes is the hard cap on forward bytes in the current range.
	MaxBytes int64
	// MaxBackBytes caps the back buffer; 0 disables cache-based back seeks.
	MaxBackBytes int64
	// CacheSecs overrides ReadaheadSecs when the source is networked or has
	// an upstream cache of its own.
	CacheSecs float64
	// SeekableCache enables in-cache seek, range joining, and back-buffer
	// retention.
	SeekableCache bool
	// ForceSeekable marks a non-seekable source as partially seekable.
	ForceSeekable bool
	// AccessReferences permits following external references (playlists,
	// cue sheets) — accepted for interface completeness; the Producer
	// implementation is the one that actually follows references.
	AccessReferences bool
	// SubCreateCCTrack auto-creates a closed-caption subtitle track for each
	// video stream.
	SubCreateCCTrack bool
	// SingleThreaded disables the background demux goroutine; callers must
	// drive read-ahead themselves via ReadAnyPacket or by blocking in
	// ReadPacket, which steps the producer inline instead of waiting on cond.
	SingleThreaded bool

	Log *slog.Logger
}

// Option mutates Options, following the functional-options pattern used
// elsewhere in this codebase (e.g. the MPEG-TS producer's packet-size and
// parser-callback options).
type Option func(*Options)

func WithReadahead(secs float64) Option  { return func(o *Options) { o.ReadaheadSecs = secs } }
func WithMaxBytes(n int64) Option        { return func(o *Options) { o.MaxBytes = n } }
func WithMaxBackBytes(n int64) Option    { return func(o *Options) { o.MaxBackBytes = n } }
func WithCacheSecs(secs float64) Option  { return func(o *Options) { o.CacheSecs = secs } }
func WithSeekableCache(v bool) Option    { return func(o *Options) { o.SeekableCache = v } }
func WithForceSeekable(v bool) Option    { return func(o *Options) { o.ForceSeekable = v } }
func WithAccessReferences(v bool) Option { return func(o *Options) { o.AccessReferences = v } }
func WithSubCreateCCTrack(v bool) Option { return func(o *Options) { o.SubCreateCCTrack = v } }
func WithSingleThreaded(v bool) Option   { return func(o *Options) { o.SingleThreaded = v } }
func WithLogger(l *slog.Logger) Option   { return func(o *Options) { o.Log = l } }

func defaultOptions() Options {
	return Options{
		ReadaheadSecs: 10,
		MaxBytes:      320 << 20,
		MaxBackBytes:  80 << 20,
		SeekableCache: true,
	}
}

func (o Options) effectiveReadahead() float64 {
	if o.CacheSecs > 0 {
		return o.CacheSecs
	}
	return o.ReadaheadSecs
}

func (o Options) maxBackBytes() int64 {
	if !o.SeekableCache {
		return 0
	}
	return o.MaxBackBytes
}
