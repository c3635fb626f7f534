package demux

import "math"

// tsResetThreshold is the heuristic window (in seconds) beyond which a
// backward timestamp jump is treated as a stream reset rather than
// disorder, per spec's open question (a): this threshold is a tunable,
// not a derived constant.
const tsResetThreshold = 10.0

// packetNode is one link in a queue's owned singly-linked packet list.
type packetNode struct {
	pkt  *Packet
	next *packetNode
}

// queue holds one stream's packets within one CachedRange: a singly-linked
// list plus incremental timing/correctness stats and keyframe-block
// accounting (§4.1).
type queue struct {
	streamIndex int
	streamType  StreamType

	head, tail *packetNode
	numPackets int
	bytes      int64

	correctDTS bool
	correctPos bool
	havePos    bool
	lastPos    int64
	lastDTS    float64
	lastTS     float64

	// keyframe-block-in-progress accounting.
	blockOpen      bool
	keyframeLatest *packetNode
	keyframePTS    float64
	keyframeEndPTS float64

	// seekStart/seekEnd are NOPTS until the first keyframe block closes.
	seekStart float64
	seekEnd   float64

	// nextPruneTarget caches the result of scanning forward from head for
	// the next keyframe with a valid kf_seek_pts, so repeated pruning
	// iterations don't rescan from head every time. The cache is only valid
	// for the stop boundary it was computed against — reader_head can move
	// between calls without any append/popFront invalidating it otherwise.
	nextPruneTarget    *packetNode
	nextPruneStop      *packetNode
	nextPruneTargetSet bool
}

func newQueue(streamIndex int, streamType StreamType) *queue {
	return &queue{
		streamIndex: streamIndex,
		streamType:  streamType,
		correctDTS:  true,
		correctPos:  true,
		lastDTS:     NoPTS,
		lastTS:      NoPTS,
		seekStart:   NoPTS,
		seekEnd:     NoPTS,
		keyframePTS: math.Inf(1),
	}
}

// append adds a packet to the tail of the queue, folding its timestamps
// into the in-progress keyframe block and updating correctness/monotonicity
// stats. Returns true if appending this packet closed a previously open
// keyframe block (i.e. p is a new keyframe and a block was already open).
func (q *queue) append(p *Packet) bool {
	blockClosed := false
	if p.Keyframe && q.blockOpen {
		q.closeBlock()
		blockClosed = true
	}
	if p.Keyframe {
		q.keyframeLatest = nil
		q.keyframePTS = math.Inf(1)
		q.keyframeEndPTS = math.Inf(-1)
		q.blockOpen = true
	}

	node := &packetNode{pkt: p}
	if q.blockOpen {
		lo, hi := blockBounds(p)
		if lo < q.keyframePTS {
			q.keyframePTS = lo
		}
		if hi > q.keyframeEndPTS {
			q.keyframeEndPTS = hi
		}
	}
	if p.Keyframe {
		q.keyframeLatest = node
	}

	if q.tail == nil {
		q.head = node
	} else {
		q.tail.next = node
	}
	q.tail = node

	if q.numPackets > 0 {
		q.correctDTS = q.correctDTS && HasTimestamp(p.DTS) && p.DTS > q.lastDTS
		q.correctPos = q.correctPos && p.Pos > q.lastPos
	} else {
		q.correctDTS = HasTimestamp(p.DTS)
		q.correctPos = true
	}
	if HasTimestamp(p.DTS) {
		q.lastDTS = p.DTS
	}
	q.lastPos = p.Pos
	q.havePos = true

	ts := p.PTS
	if !HasTimestamp(ts) {
		ts = p.DTS
	}
	if HasTimestamp(ts) {
		if q.numPackets == 0 || ts >= q.lastTS || ts < q.lastTS-tsResetThreshold {
			q.lastTS = ts
		}
	}

	if q.streamType != StreamVideo && !HasTimestamp(p.PTS) {
		p.PTS = p.DTS
	}

	q.bytes += EstimateSize(p)
	q.numPackets++
	q.nextPruneTargetSet = false

	return blockClosed
}

// closeBlock closes whatever keyframe block is currently in progress,
// fixing kf_seek_pts on the block's opening keyframe and advancing the
// queue's seekStart/seekEnd. Called when a new keyframe arrives (from
// append) or when the producer reports EOF with an open block.
func (q *queue) closeBlock() {
	if !q.blockOpen || q.keyframeLatest == nil {
		q.blockOpen = false
		return
	}
	q.keyframeLatest.pkt.kfSeekPTS = q.keyframePTS
	q.keyframeLatest.pkt.kfSeekPTSValid = true
	if !HasTimestamp(q.seekStart) {
		q.seekStart = q.keyframePTS
	}
	q.seekEnd = q.keyframeEndPTS
	q.blockOpen = false
	q.nextPruneTargetSet = false
}

// clear empties the queue, releasing every owned packet.
func (q *queue) clear() {
	q.head = nil
	q.tail = nil
	q.numPackets = 0
	q.bytes = 0
	q.correctDTS = true
	q.correctPos = true
	q.lastDTS = NoPTS
	q.lastTS = NoPTS
	q.lastPos = 0
	q.havePos = false
	q.blockOpen = false
	q.keyframeLatest = nil
	q.keyframePTS = math.Inf(1)
	q.keyframeEndPTS = math.Inf(-1)
	q.seekStart = NoPTS
	q.seekEnd = NoPTS
	q.nextPruneTarget = nil
	q.nextPruneTargetSet = false
}

// popFront removes and returns the head packet. Callers (pruning, clear-time
// bookkeeping) must never call this when head == readerHead for this stream;
// the RangeSet/Demuxer enforce that by computing prune targets that stop
// short of the reader head.
func (q *queue) popFront() (*Packet, bool) {
	if q.head == nil {
		return nil, false
	}
	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	q.numPackets--
	q.bytes -= EstimateSize(n.pkt)
	if q.nextPruneTarget == n {
		q.nextPruneTarget = nil
		q.nextPruneTargetSet = false
	}
	return n.pkt, true
}

// computePruneTarget scans forward from the packet after head (stopping at
// stop, exclusive, which is typically the stream's reader_head) looking for
// the next keyframe with a valid kf_seek_pts. That packet becomes the
// boundary: pruning may drop packets from head up to, but not including, it
// in one step. Head itself is never its own target, so a non-nil result
// always leaves at least one packet to drop. Returns nil if no such
// boundary exists yet within (head, stop).
func (q *queue) computePruneTarget(stop *packetNode) *packetNode {
	if q.nextPruneTargetSet && q.nextPruneStop == stop && q.nextPruneTarget != q.head {
		return q.nextPruneTarget
	}
	var target *packetNode
	if q.head != nil && q.head != stop {
		for n := q.head.next; n != nil && n != stop; n = n.next {
			if n.pkt.Keyframe && n.pkt.kfSeekPTSValid {
				target = n
				break
			}
		}
	}
	q.nextPruneTarget = target
	q.nextPruneStop = stop
	q.nextPruneTargetSet = true
	return target
}

// headKFSeekPTS returns the kf_seek_pts of the head packet if it is a
// keyframe with a computed value, else (0, false). Used by the pruner to
// pick the victim stream with the earliest seek point.
func (q *queue) headKFSeekPTS() (float64, bool) {
	if q.head == nil || !q.head.pkt.Keyframe || !q.head.pkt.kfSeekPTSValid {
		return 0, false
	}
	return q.head.pkt.kfSeekPTS, true
}

// mustPrune reports whether the head packet lacks a timestamp or is not a
// keyframe, making it an unconditional pruning victim (§4.3).
func (q *queue) mustPrune() bool {
	if q.head == nil {
		return false
	}
	return !HasTimestamp(q.head.pkt.PTS) || !q.head.pkt.Keyframe
}
