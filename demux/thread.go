package demux

import "context"

// run is the single demux thread's main loop (§4.7). It owns the decision
// of whether to execute a pending seek, forward a track-switch
// notification, pull more data from the producer, or idle on cond — always
// with the lock dropped around any producer call, since those may block on
// I/O.
func (d *Demuxer) run() {
	defer close(d.threadDone)
	view := ProducerView{
		AddPacket: d.addPacketFromProducer,
		AddStream: d.addStreamFromProducer,
	}

	for {
		d.mu.Lock()
		if d.closed || d.threadCtx.Err() != nil {
			d.mu.Unlock()
			return
		}

		if d.pendingSeek != nil {
			ps := d.pendingSeek
			d.pendingSeek = nil
			d.mu.Unlock()

			err := d.producer.Seek(d.threadCtx, ps.pts, ps.flags)

			d.mu.Lock()
			if err != nil {
				d.log().Warn("producer seek failed", "error", err, "pts", ps.pts)
			}
			d.warnedOverBudget = false
			d.mu.Unlock()
			continue
		}

		if d.tracksSwitched {
			d.tracksSwitched = false
			d.mu.Unlock()
			if _, err := d.producer.Control(d.threadCtx, ControlTracksSwitched, nil); err != nil {
				d.log().Warn("tracks-switched notification failed", "error", err)
			}
			continue
		}

		d.maybeRefresh()
		if d.pendingSeek != nil {
			d.mu.Unlock()
			continue
		}

		if !d.needFillLocked() {
			d.cond.Wait()
			d.mu.Unlock()
			continue
		}
		d.mu.Unlock()

		d.refreshMetadata(d.threadCtx)
		n, err := d.producer.FillBuffer(d.threadCtx, view)

		d.mu.Lock()
		if err != nil || n == 0 {
			d.markEagerEOFLocked()
		}
		d.checkForwardByteCap()
		d.tryJoin()
		d.pruneToFit()
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// stepOnce drives exactly one unit of demux work: a queued seek, a
// track-switch notification, or a single FillBuffer call. It is the
// single-threaded substitute for one iteration of run's loop, used by
// ReadPacket/ReadAnyPacket when Options.SingleThreaded is set. Called with
// no lock held.
func (d *Demuxer) stepOnce(ctx context.Context) {
	d.mu.Lock()
	if d.pendingSeek != nil {
		ps := d.pendingSeek
		d.pendingSeek = nil
		d.mu.Unlock()

		err := d.producer.Seek(ctx, ps.pts, ps.flags)

		d.mu.Lock()
		if err != nil {
			d.log().Warn("producer seek failed", "error", err, "pts", ps.pts)
		}
		d.warnedOverBudget = false
		d.mu.Unlock()
		return
	}

	if d.tracksSwitched {
		d.tracksSwitched = false
		d.mu.Unlock()
		if _, err := d.producer.Control(ctx, ControlTracksSwitched, nil); err != nil {
			d.log().Warn("tracks-switched notification failed", "error", err)
		}
		return
	}

	d.maybeRefresh()
	if d.pendingSeek != nil {
		d.mu.Unlock()
		return
	}
	if !d.needFillLocked() {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	view := ProducerView{
		AddPacket: d.addPacketFromProducer,
		AddStream: d.addStreamFromProducer,
	}
	d.refreshMetadata(ctx)
	n, err := d.producer.FillBuffer(ctx, view)

	d.mu.Lock()
	if err != nil || n == 0 {
		d.markEagerEOFLocked()
	}
	d.checkForwardByteCap()
	d.tryJoin()
	d.pruneToFit()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// needFillLocked reports whether any selected eager (or explicitly
// reading) stream's forward buffer, measured in packet-timestamp seconds
// from reader_head to the queue tail, falls short of the effective
// read-ahead target. Must be called with d.mu held.
func (d *Demuxer) needFillLocked() bool {
	for _, sh := range d.streams {
		if !sh.selected || sh.eof {
			continue
		}
		if !sh.eagerLocked(d.streams) && !sh.reading {
			continue
		}
		q := d.currentQueueFor(sh)
		if q == nil || sh.readerHead == nil {
			return true
		}
		if !HasTimestamp(q.lastTS) {
			return true
		}
		headTS := sh.readerHead.pkt.PTS
		if !HasTimestamp(headTS) {
			headTS = sh.readerHead.pkt.DTS
		}
		if !HasTimestamp(headTS) {
			return true
		}
		if q.lastTS-headTS < d.opts.effectiveReadahead() {
			return true
		}
	}
	return false
}

// markEagerEOFLocked marks every selected eager stream as EOF after
// FillBuffer reports no more packets, closing any keyframe block still open
// on that stream's current queue so its last keyframe gets a valid
// kf_seek_pts and the range's aggregate seek interval reflects the tail of
// the stream (§4.7's "EOF from producer" transition, §8 scenario 6).
// Packets still buffered from reader_head onward stay readable; a reader
// sees io.EOF only once they are drained. Must be called with d.mu held.
func (d *Demuxer) markEagerEOFLocked() {
	cur := d.ranges.current()
	var closed bool
	wasEOF := true
	for _, sh := range d.streams {
		if sh.selected && !sh.eof {
			wasEOF = false
		}
	}
	for _, sh := range d.streams {
		if !sh.selected || !sh.eagerLocked(d.streams) {
			continue
		}
		if cur != nil && sh.Index < len(cur.queues) {
			if q := cur.queues[sh.Index]; q != nil && q.blockOpen {
				q.closeBlock()
				closed = true
			}
		}
		sh.eof = true
		sh.eofHard = true
	}
	if closed && cur != nil {
		cur.updateSeekRanges(d.streams)
		d.tryJoin()
	}
	allEOFNow := true
	for _, sh := range d.streams {
		if sh.selected && !sh.eof {
			allEOFNow = false
		}
	}
	if !wasEOF && allEOFNow {
		d.fireWakeupLocked()
	}
}
