package demux

import "log/slog"

// rangeSet is the LRU-ordered collection of CachedRanges (§4.3). The last
// element is always the current range — the only one the producer appends
// to.
type rangeSet struct {
	ranges []*cachedRange
}

func (rs *rangeSet) current() *cachedRange {
	if len(rs.ranges) == 0 {
		return nil
	}
	return rs.ranges[len(rs.ranges)-1]
}

// setCurrent promotes r to the tail via stable remove+append.
func (rs *rangeSet) setCurrent(r *cachedRange) {
	for i, existing := range rs.ranges {
		if existing == r {
			rs.ranges = append(rs.ranges[:i], rs.ranges[i+1:]...)
			break
		}
	}
	rs.ranges = append(rs.ranges, r)
}

func (rs *rangeSet) remove(r *cachedRange) {
	for i, existing := range rs.ranges {
		if existing == r {
			rs.ranges = append(rs.ranges[:i], rs.ranges[i+1:]...)
			return
		}
	}
}

func (rs *rangeSet) totalBytes() int64 {
	var n int64
	for _, r := range rs.ranges {
		n += r.totalBytes()
	}
	return n
}

// pruneToFit drops packets from the LRU-oldest range until total_bytes -
// fw_bytes(current) no longer exceeds maxBack, or nothing more can be
// dropped (§4.3). It returns nothing: pruning never advances seek_end, so
// no join attempt follows it, and the forward byte cap is checked
// separately by the caller.
func (d *Demuxer) pruneToFit() {
	maxBack := d.opts.maxBackBytes()
	cur := d.ranges.current()
	if cur == nil {
		return
	}
	for {
		total := d.ranges.totalBytes()
		fw := cur.fwBytes(d.streams)
		if total-fw <= maxBack {
			return
		}
		if !d.pruneStep() {
			return
		}
	}
}

// pruneStep drops one victim boundary's worth of packets from the
// LRU-oldest range and reports whether it made progress.
func (d *Demuxer) pruneStep() bool {
	if len(d.ranges.ranges) == 0 {
		return false
	}
	victimRange := d.ranges.ranges[0]
	isCurrent := victimRange == d.ranges.current()

	var victimStream *StreamDescriptor
	var victimQueue *queue
	haveMust := false
	bestKF := 0.0
	haveKF := false

	for _, sh := range d.streams {
		if sh.Index >= len(victimRange.queues) {
			continue
		}
		q := victimRange.queues[sh.Index]
		if q == nil || q.head == nil {
			continue
		}
		if isCurrent && sh.readerHead == q.head {
			continue // never drop reader_head (invariant 6)
		}
		if q.mustPrune() {
			victimStream, victimQueue = sh, q
			haveMust = true
			break
		}
		if kf, ok := q.headKFSeekPTS(); ok && (!haveKF || kf < bestKF) {
			bestKF = kf
			haveKF = true
			victimStream, victimQueue = sh, q
		}
	}
	_ = haveMust

	if victimQueue == nil {
		return false
	}

	var stop *packetNode
	if isCurrent {
		stop = victimStream.readerHead
	}
	if victimQueue.head == stop {
		return false
	}

	target := victimQueue.computePruneTarget(stop)
	progressed := false
	if target != nil {
		for victimQueue.head != nil && victimQueue.head != stop && victimQueue.head != target {
			victimQueue.popFront()
			progressed = true
		}
		if kf, ok := target.pkt.KFSeekPTS(); ok {
			victimQueue.seekStart = kf
		}
	} else if victimQueue.head != stop {
		victimQueue.popFront()
		progressed = true
	}
	if !progressed {
		return false
	}

	victimRange.updateSeekRanges(d.streams)
	if victimRange != d.ranges.current() && !HasTimestamp(victimRange.seekStart) {
		d.ranges.remove(victimRange)
	}
	return true
}

// checkForwardByteCap raises EOF on every selected stream once fw_bytes hits
// max_bytes (logging a one-shot warning, reset on the next seek), and lowers
// it again — for streams the producer hasn't genuinely exhausted — once
// fw_bytes drops back under the cap, per §7's "recoverable when the
// consumer drains" queue-overflow handling.
func (d *Demuxer) checkForwardByteCap() {
	cur := d.ranges.current()
	if cur == nil {
		return
	}
	fw := cur.fwBytes(d.streams)
	if fw < d.opts.MaxBytes {
		for _, sh := range d.streams {
			if sh.selected && !sh.eofHard {
				sh.eof = false
			}
		}
		return
	}
	if d.warnedOverBudget {
		for _, sh := range d.streams {
			if sh.selected {
				sh.eof = true
			}
		}
		return
	}
	var over []string
	for _, sh := range d.streams {
		if sh.selected {
			sh.eof = true
			over = append(over, sh.Type.String())
		}
	}
	d.warnedOverBudget = true
	d.log().Warn("forward byte cap reached, pausing read-ahead", "max_bytes", d.opts.MaxBytes, "streams", over)
}

// tryJoin attempts to merge the current range forward into a later,
// overlapping non-current range whenever a queue's seek_end has just
// advanced (§4.3). On success the merged range becomes current and the old
// current range is discarded; on failure the candidate range is discarded
// and the current range is left unchanged.
func (d *Demuxer) tryJoin() {
	cur := d.ranges.current()
	if cur == nil || !HasTimestamp(cur.seekEnd) {
		return
	}
	candidate := d.findJoinCandidate(cur)
	if candidate == nil {
		return
	}
	if d.attemptJoin(cur, candidate) {
		return
	}
	d.log().Warn("range join aborted", "error", ErrJoinFailed)
	d.ranges.remove(candidate)
}

func (d *Demuxer) findJoinCandidate(cur *cachedRange) *cachedRange {
	var best *cachedRange
	for _, r := range d.ranges.ranges {
		if r == cur {
			continue
		}
		if !HasTimestamp(r.seekStart) {
			continue
		}
		if cur.seekStart > r.seekStart {
			continue
		}
		if r.seekStart >= cur.seekEnd {
			continue // no positive overlap
		}
		if best == nil || r.seekStart < best.seekStart {
			best = r
		}
	}
	return best
}

func (d *Demuxer) attemptJoin(cur, r *cachedRange) bool {
	type pending struct {
		sh *StreamDescriptor
		cq *queue
		rq *queue
	}
	var work []pending

	for _, sh := range d.streams {
		if sh.Index >= len(cur.queues) {
			continue
		}
		cq := cur.queues[sh.Index]
		if cq == nil || cq.tail == nil {
			continue
		}
		var rq *queue
		if sh.Index < len(r.queues) {
			rq = r.queues[sh.Index]
		}
		eager := sh.eagerLocked(d.streams)

		if rq == nil || rq.head == nil {
			if eager {
				return false
			}
			continue
		}
		if !(cq.correctDTS || cq.correctPos) {
			if eager {
				return false
			}
			continue
		}
		byDTS := cq.correctDTS
		tail := cq.tail.pkt
		for rq.head != nil && lessForJoin(rq.head.pkt, tail, byDTS) {
			rq.popFront()
		}
		if rq.head == nil || !packetsExactMatch(rq.head.pkt, tail) {
			if eager {
				return false
			}
			continue
		}
		work = append(work, pending{sh, cq, rq})
	}

	for _, w := range work {
		dup := w.rq.head
		w.rq.head = dup.next
		if w.rq.head == nil {
			w.rq.tail = nil
		}
		w.rq.numPackets--
		w.rq.bytes -= EstimateSize(dup.pkt)

		if w.cq.head != nil {
			w.cq.tail.next = w.rq.head
			w.rq.head = w.cq.head
			if w.rq.tail == nil {
				w.rq.tail = w.cq.tail
			}
			w.rq.numPackets += w.cq.numPackets
			w.rq.bytes += w.cq.bytes
		}

		w.rq.nextPruneTarget = w.cq.nextPruneTarget
		w.rq.nextPruneTargetSet = w.cq.nextPruneTargetSet
		w.rq.seekStart = w.cq.seekStart
		w.rq.correctDTS = w.cq.correctDTS
		w.rq.correctPos = w.cq.correctPos

		r.queues[w.sh.Index] = w.rq
	}

	r.updateSeekRanges(d.streams)
	d.ranges.remove(cur)
	d.ranges.setCurrent(r)

	for _, sh := range d.streams {
		if sh.selected {
			sh.refreshing = true
		}
	}
	d.pendingSeek = &pendingSeek{pts: r.seekEnd - 1.0, flags: SeekHR}

	return true
}

func lessForJoin(p, tail *Packet, byDTS bool) bool {
	if byDTS {
		return HasTimestamp(p.DTS) && HasTimestamp(tail.DTS) && p.DTS < tail.DTS
	}
	return p.Pos < tail.Pos
}

func packetsExactMatch(a, b *Packet) bool {
	return a.DTS == b.DTS && a.PTS == b.PTS && a.Pos == b.Pos && len(a.Data) == len(b.Data)
}

func (d *Demuxer) log() *slog.Logger {
	if d.opts.Log != nil {
		return d.opts.Log
	}
	return slog.Default()
}
