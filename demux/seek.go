package demux

import "context"

// pendingSeek is a seek request queued for the demux thread to execute on
// its next cycle (§4.6, §4.7). Only one can be outstanding; a newer call to
// Seek or maybeRefresh overwrites it.
type pendingSeek struct {
	pts   float64
	flags SeekFlags
	// fresh forces a producer-level seek even when the target falls inside
	// an existing cached range.
	fresh bool
}

// Seek repositions every selected stream to pts (§4.6). When the cache is
// seekable and a cached range already covers the target for every selected
// stream, the reposition happens synchronously against the cache (an
// in-cache seek) and no producer I/O occurs. Otherwise the request is
// queued for the demux thread, which performs a producer-level seek and
// resets the affected queues.
//
// Calling Seek with the exact (pts, flags) already satisfied by the current
// reader position is a correctly-handled no-op at the cache level: the
// round trip in §8's cached-seek law holds because find_seek_target simply
// re-lands on the same packet.
func (d *Demuxer) Seek(ctx context.Context, pts float64, flags SeekFlags) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if flags&SeekFactor != 0 {
		// Factor seeks always need the producer's notion of duration; never
		// resolvable from the cache alone.
		if !d.seekableSource && !d.opts.ForceSeekable {
			return ErrNotSeekable
		}
		d.prepareFreshSeekLocked()
		d.pendingSeek = &pendingSeek{pts: pts, flags: flags, fresh: true}
		d.cond.Broadcast()
		return nil
	}

	target := pts - d.tsOffset
	if !d.opts.SeekableCache {
		if !d.seekableSource && !d.opts.ForceSeekable {
			return ErrNotSeekable
		}
		d.prepareFreshSeekLocked()
		d.pendingSeek = &pendingSeek{pts: target, flags: flags, fresh: true}
		d.cond.Broadcast()
		return nil
	}

	if d.findSeekTarget(target, flags) {
		d.cond.Broadcast()
		return nil
	}

	if !d.seekableSource && !d.opts.ForceSeekable {
		return ErrNotSeekable
	}
	d.prepareFreshSeekLocked()
	d.pendingSeek = &pendingSeek{pts: target, flags: flags, fresh: true}
	d.cond.Broadcast()
	return nil
}

// findSeekTarget attempts an in-cache seek: for every selected stream it
// looks for a cached range whose [seek_start, seek_end) covers target, then
// repositions reader_head to the block boundary appropriate for flags
// (§4.6). Ties between candidate keyframe blocks are broken toward the
// earlier (smaller) kf_seek_pts, matching producer seek behavior. Returns
// false, leaving all state untouched, if any selected stream lacks
// coverage.
func (d *Demuxer) findSeekTarget(target float64, flags SeekFlags) bool {
	selected := d.selectedStreams()
	if len(selected) == 0 {
		return false
	}

	type placement struct {
		sh   *StreamDescriptor
		rng  *cachedRange
		node *packetNode
		eof  bool
	}
	var placements []placement

	// The video stream's found target takes priority: unless HR was
	// requested, every other stream is located against video's adopted
	// kf_seek_pts instead of the raw target, so audio/subtitles don't
	// overshoot past the frame video will actually resume decoding from.
	effective := target
	for _, sh := range selected {
		if sh.Type != StreamVideo {
			continue
		}
		rng, node, atEOF, ok := d.locateInCache(sh, target, flags)
		if !ok {
			return false
		}
		placements = append(placements, placement{sh, rng, node, atEOF})
		if flags&SeekHR == 0 {
			if kf, kok := node.pkt.KFSeekPTS(); kok {
				effective = kf
			}
		}
		break
	}

	for _, sh := range selected {
		if sh.Type == StreamVideo {
			continue
		}
		rng, node, atEOF, ok := d.locateInCache(sh, effective, flags)
		if !ok {
			return false
		}
		placements = append(placements, placement{sh, rng, node, atEOF})
	}

	switching := len(placements) > 0 && placements[0].rng != d.ranges.current()

	var newCurrent *cachedRange
	for _, p := range placements {
		p.sh.readerHead = p.node
		p.sh.eof = p.eof
		p.sh.eofHard = p.eof
		p.sh.reading = false
		p.sh.needRefresh = false
		p.sh.refreshing = switching
		if newCurrent == nil {
			newCurrent = p.rng
		}
	}
	if switching {
		d.ranges.setCurrent(newCurrent)
		d.pendingSeek = &pendingSeek{pts: newCurrent.seekEnd - 1.0, flags: SeekHR}
	}
	d.warnedOverBudget = false
	return true
}

// locateInCache finds the cached range and packet node that satisfies
// target for a single stream, without mutating any state.
func (d *Demuxer) locateInCache(sh *StreamDescriptor, target float64, flags SeekFlags) (*cachedRange, *packetNode, bool, bool) {
	for _, r := range d.ranges.ranges {
		if sh.Index >= len(r.queues) {
			continue
		}
		q := r.queues[sh.Index]
		if q == nil || q.head == nil {
			continue
		}
		if !HasTimestamp(r.seekStart) || !HasTimestamp(r.seekEnd) {
			continue
		}
		if target < r.seekStart || target >= r.seekEnd {
			continue
		}

		var best *packetNode
		for n := q.head; n != nil; n = n.next {
			kf, ok := n.pkt.KFSeekPTS()
			if !ok {
				continue
			}
			if flags&SeekForward != 0 {
				if kf >= target && (best == nil || kf < mustKF(best)) {
					best = n
				}
			} else {
				if kf <= target && (best == nil || kf > mustKF(best)) {
					best = n
				}
			}
		}
		if best == nil {
			if flags&SeekForward != 0 {
				continue
			}
			best = q.head
		}
		return r, best, false, true
	}
	return nil, nil, false, false
}

func mustKF(n *packetNode) float64 {
	kf, _ := n.pkt.KFSeekPTS()
	return kf
}

// prepareFreshSeekLocked implements §4.6 step 2 and the "fresh seek" half
// of step 4: clear every stream's reader state, then either clear the
// current range in place (cache not seekable — nothing is worth keeping
// around to seek back into) or start a brand new empty range and make it
// current (cache seekable — the old range stays in history, eligible for a
// later join). Must be called with d.mu held, before queuing a pendingSeek
// that requires producer-level I/O.
func (d *Demuxer) prepareFreshSeekLocked() {
	for _, sh := range d.streams {
		sh.readerHead = nil
		sh.eof = false
		sh.eofHard = false
		sh.reading = false
		sh.refreshing = false
		sh.attachedPictureSent = false
	}
	d.warnedOverBudget = false

	if !d.opts.SeekableCache {
		if cur := d.ranges.current(); cur != nil {
			for _, q := range cur.queues {
				if q != nil {
					q.clear()
				}
			}
			cur.seekStart, cur.seekEnd = NoPTS, NoPTS
			return
		}
	}
	d.ranges.ranges = append(d.ranges.ranges, newCachedRange(len(d.streams)))
}
