package demux

import "math"

// Select flips a stream's selected flag and clears its reader state
// (§4.4). Calling Select with the same value it already has is a no-op —
// including leaving need_refresh untouched — per spec's selection
// idempotence law. Enabling a stream after the demux thread has already
// started schedules a refresh seek on the next demux cycle; ref_pts seeds
// the refresh target for that stream.
func (d *Demuxer) Select(streamIndex int, selected bool, refPTS float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sh := d.streams[streamIndex]
	if sh.selected == selected {
		return
	}

	sh.selected = selected
	sh.readerHead = nil
	sh.eof = false
	sh.eofHard = false
	sh.reading = false
	sh.refreshing = false
	sh.attachedPictureSent = false

	if selected && d.started {
		sh.needRefresh = true
		sh.refreshRefPTS = refPTS
	} else {
		sh.needRefresh = false
	}

	d.cond.Broadcast()
}

// maybeRefresh computes and schedules a refresh seek if any stream needs
// one, following the decision table in §4.4: a normal seek if only newly
// enabled streams are selected, a filtered backward seek if every selected
// queue is DTS/position-monotonic, or no seek at all (refresh-impossible)
// otherwise. Must be called with d.mu held.
func (d *Demuxer) maybeRefresh() {
	var needing []*StreamDescriptor
	for _, sh := range d.streams {
		if sh.needRefresh {
			needing = append(needing, sh)
		}
	}
	if len(needing) == 0 {
		return
	}

	target := math.Inf(1)
	for _, sh := range needing {
		if HasTimestamp(sh.refreshRefPTS) && sh.refreshRefPTS < target {
			target = sh.refreshRefPTS
		}
	}

	onlyNew := true
	for _, sh := range d.streams {
		if sh.selected && !sh.needRefresh {
			onlyNew = false
			if sh.Type == StreamSubtitle {
				continue
			}
			if q := d.currentQueueFor(sh); q != nil && HasTimestamp(q.lastTS) && q.lastTS < target {
				target = q.lastTS
			}
		}
	}
	if math.IsInf(target, 1) {
		target = 0
	}

	isNew := make(map[int]bool, len(needing))
	for _, sh := range needing {
		isNew[sh.Index] = true
		sh.needRefresh = false
	}

	if onlyNew {
		d.prepareFreshSeekLocked()
		d.pendingSeek = &pendingSeek{pts: target, flags: 0, fresh: true}
		return
	}

	// Only streams that were already selected (and thus already have data
	// to avoid re-delivering) need a usable monotonic queue; a brand new
	// stream in needing starts from nothing and has no duplicates to filter.
	allCorrect := true
	for _, sh := range d.streams {
		if !sh.selected || isNew[sh.Index] {
			continue
		}
		q := d.currentQueueFor(sh)
		if q == nil || !(q.correctDTS || q.correctPos) {
			allCorrect = false
			break
		}
	}
	if !allCorrect {
		d.log().Info("refresh seek skipped, falling back to stutter", "error", ErrRefreshImpossible)
		return
	}

	for _, sh := range d.streams {
		if !sh.selected {
			continue
		}
		q := d.currentQueueFor(sh)
		if q == nil {
			// Newly selected: nothing buffered yet, nothing to filter.
			sh.refreshing = false
			continue
		}
		sh.refreshing = true
		sh.refreshUseDTS = q.correctDTS
		sh.lastDTS = q.lastDTS
		sh.lastPos = q.lastPos
	}
	d.pendingSeek = &pendingSeek{pts: target - 1.0, flags: 0}
}

// currentQueueFor returns the current range's queue for sh, or nil if none
// exists yet.
func (d *Demuxer) currentQueueFor(sh *StreamDescriptor) *queue {
	cur := d.ranges.current()
	if cur == nil || sh.Index >= len(cur.queues) {
		return nil
	}
	return cur.queues[sh.Index]
}

// selectedStreams returns every currently selected StreamDescriptor.
func (d *Demuxer) selectedStreams() []*StreamDescriptor {
	var out []*StreamDescriptor
	for _, sh := range d.streams {
		if sh.selected {
			out = append(out, sh)
		}
	}
	return out
}
