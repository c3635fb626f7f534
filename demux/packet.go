package demux

// NoPTS is the sentinel value for an unknown timestamp. All timestamps in
// this package are seconds, as float64.
const NoPTS float64 = -1.797693134862315708145274237317043567e+300

// HasTimestamp reports whether ts is a known (non-sentinel) timestamp.
func HasTimestamp(ts float64) bool {
	return ts != NoPTS
}

// packetOverheadBytes approximates the fixed bookkeeping cost of a packet
// node (struct fields plus allocator overhead) so that EstimateSize reflects
// more than just the payload when many small packets are buffered.
const packetOverheadBytes = 64

// Packet is an immutable-after-enqueue unit of demuxed data: an opaque
// payload plus the timing and framing metadata the buffering layer needs.
// Once appended to a Queue, only kfSeekPTS is ever mutated in place (set
// once, when the keyframe block it starts is closed).
type Packet struct {
	// Data is the opaque payload. Never modified after enqueue.
	Data []byte

	// DTS and PTS are decode/presentation timestamps in seconds, or NoPTS.
	DTS float64
	PTS float64

	// SegmentStart and SegmentEnd bound the visible portion of a packet that
	// spans a splice or concatenation boundary. Only meaningful when
	// Segmented is true; NoPTS otherwise.
	SegmentStart float64
	SegmentEnd   float64

	// Pos is the byte position of this packet in the producer's source.
	Pos int64

	// Stream is the index of the owning StreamDescriptor.
	Stream int

	Keyframe  bool
	Segmented bool

	// kfSeekPTS is the earliest PTS reachable from this packet, set once the
	// block this keyframe opens is closed (by the next keyframe or EOF).
	// Only meaningful when Keyframe is true and kfSeekPTSValid is true.
	kfSeekPTS      float64
	kfSeekPTSValid bool
}

// KFSeekPTS returns the packet's keyframe seek entry time and whether it has
// been computed yet. Only keyframes ever have a valid value.
func (p *Packet) KFSeekPTS() (float64, bool) {
	return p.kfSeekPTS, p.kfSeekPTSValid
}

// EstimateSize returns the buffering cost in bytes this packet counts
// against total_bytes / fw_bytes / back-buffer caps.
func EstimateSize(p *Packet) int64 {
	return int64(len(p.Data)) + packetOverheadBytes
}

// blockBounds returns the timestamps a packet folds into its queue's
// in-progress keyframe-block min/max, honoring segment bounds when the
// packet is segmented.
func blockBounds(p *Packet) (lo, hi float64) {
	lo, hi = p.PTS, p.PTS
	if p.Segmented {
		if HasTimestamp(p.SegmentStart) {
			lo = p.SegmentStart
		}
		if HasTimestamp(p.SegmentEnd) {
			hi = p.SegmentEnd
		}
	}
	return lo, hi
}
