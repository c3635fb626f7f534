package demux

// StreamType identifies the kind of elementary stream a StreamDescriptor
// describes.
type StreamType int

const (
	StreamVideo StreamType = iota
	StreamAudio
	StreamSubtitle
)

func (t StreamType) String() string {
	switch t {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// StreamDescriptor identifies one logical elementary stream. It is
// immutable after registration except for Tags and the mutable selection
// and reader-state fields below, all of which are only ever touched while
// holding the owning Demuxer's lock.
type StreamDescriptor struct {
	// Index is assigned on registration and never changes.
	Index int
	// DemuxerID is the producer-visible numbering for this stream, distinct
	// from Index when the producer numbers streams differently (e.g. PIDs).
	DemuxerID int
	Type      StreamType

	// CodecParams is opaque to this layer (e.g. SPS/PPS, AudioSpecificConfig).
	CodecParams any

	Tags map[string]string

	// AttachedPicture, if non-nil, is emitted exactly once on first read,
	// after which the stream reports EOF like any other exhausted stream.
	AttachedPicture     *Packet
	attachedPictureSent bool

	// Selection and read-ahead state. Mutated only under the Demuxer lock.
	selected    bool
	needRefresh bool
	refreshing  bool
	eof         bool
	reading     bool

	// eofHard is true once the producer itself reported exhaustion for this
	// stream (markEagerEOFLocked). Unlike the soft EOF raised by the
	// forward-byte cap, it is never cleared by draining — only by a seek,
	// select, or flush. eof is always true while eofHard is true; it may
	// also be true on its own as the cap's back-pressure signal (§4.3, §7).
	eofHard bool

	// lastDTS/lastPos are snapshotted from the current queue when a refresh
	// seek begins, and used to de-duplicate packets arriving while
	// refreshing is true (§4.4, §4.7). refreshUseDTS selects which of the
	// two the de-duplication check uses. refreshRefPTS is the caller-supplied
	// reference time from the Select call that triggered need_refresh.
	lastDTS       float64
	lastPos       int64
	refreshUseDTS bool
	refreshRefPTS float64

	// readerHead points at the next packet to dequeue for this stream,
	// always inside the current range's queue for this stream (invariant 3).
	// Nil means "no packet ready yet" (consumer must wait or EOF applies).
	readerHead *packetNode

	// filepos is the high-water mark of bytes the consumer has seen.
	filepos int64

	// Bitrate accounting over a >= 500ms window measured in packet
	// timestamps, updated at keyframe boundaries.
	bitrateWindowStart float64
	bitrateWindowBytes int64
	bitrate            float64
}

// Selected reports whether this stream is currently selected for read-ahead.
func (sh *StreamDescriptor) Selected() bool { return sh.selected }

// eagerLocked reports whether this stream participates in read-ahead pacing and
// EOF (§4.4): selected, not an attached-picture-only stream, and — for
// subtitle streams — the sole selected stream (subtitles are read only
// opportunistically whenever any non-subtitle stream is also eager).
func (sh *StreamDescriptor) eagerLocked(allSelected []*StreamDescriptor) bool {
	if !sh.selected || sh.AttachedPicture != nil {
		return false
	}
	if sh.Type != StreamSubtitle {
		return true
	}
	for _, other := range allSelected {
		if other.Index == sh.Index || !other.selected {
			continue
		}
		if other.Type != StreamSubtitle {
			return false
		}
	}
	return true
}

// Bitrate returns the most recently computed bitrate estimate, in bytes per
// second, for this stream.
func (sh *StreamDescriptor) Bitrate() float64 { return sh.bitrate }
