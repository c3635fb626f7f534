package demux

import (
	"context"
	"errors"
	"io"
	"time"
)

// ReadStatus is the result of a non-blocking read attempt.
type ReadStatus int

const (
	ReadHave ReadStatus = iota
	ReadPending
	ReadEOF
)

// ErrStreamNotSelected is returned by ReadPacket when called for a stream
// that is not currently selected.
var ErrStreamNotSelected = errors.New("demux: stream not selected")

// bitrateMinWindow is the minimum span, in packet timestamps, over which
// Bitrate is recomputed (§4.5).
const bitrateMinWindow = 0.5

// ReadPacket blocks until a packet is available for streamIndex, the stream
// reaches EOF, or ctx is cancelled. Returned timestamps have ts_offset
// added.
func (d *Demuxer) ReadPacket(ctx context.Context, streamIndex int) (*Packet, error) {
	d.mu.Lock()

	sh := d.streams[streamIndex]
	if !sh.selected {
		d.mu.Unlock()
		return nil, ErrStreamNotSelected
	}

	done := make(chan struct{})
	defer close(done)
	watcherStarted := false

	for sh.readerHead == nil && !sh.eof && (sh.AttachedPicture == nil || sh.attachedPictureSent) {
		sh.reading = true
		d.cond.Broadcast()

		if d.opts.SingleThreaded {
			d.mu.Unlock()
			d.stepOnce(ctx)
			d.mu.Lock()
			if ctx.Err() != nil {
				d.mu.Unlock()
				return nil, ctx.Err()
			}
			continue
		}

		if !watcherStarted {
			watcherStarted = true
			go func() {
				select {
				case <-ctx.Done():
					d.mu.Lock()
					d.cond.Broadcast()
					d.mu.Unlock()
				case <-done:
				}
			}()
		}
		d.cond.Wait()
		if ctx.Err() != nil {
			d.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	pkt, err := d.dequeueLocked(sh)
	d.mu.Unlock()
	return pkt, err
}

// ReadPacketAsync never blocks. It triggers read-ahead by marking the
// stream as reading and waking the demux thread, and reports PENDING only
// for eager streams (non-eager streams report EOF instead, to avoid
// indefinite waits for sparse tracks).
func (d *Demuxer) ReadPacketAsync(streamIndex int) (ReadStatus, *Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sh := d.streams[streamIndex]
	if !sh.selected {
		return ReadEOF, nil
	}
	if sh.readerHead != nil || (sh.AttachedPicture != nil && !sh.attachedPictureSent) {
		pkt, err := d.dequeueLocked(sh)
		if err != nil {
			return ReadEOF, nil
		}
		return ReadHave, pkt
	}
	if sh.eof {
		return ReadEOF, nil
	}

	sh.reading = true
	d.cond.Broadcast()

	if !sh.eagerLocked(d.streams) {
		return ReadEOF, nil
	}
	return ReadPending, nil
}

// HasPacket reports whether a packet is immediately available for
// streamIndex without blocking or triggering read-ahead.
func (d *Demuxer) HasPacket(streamIndex int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sh := d.streams[streamIndex]
	return sh.readerHead != nil || (sh.AttachedPicture != nil && !sh.attachedPictureSent)
}

// ReadAnyPacket drives one read-ahead step and returns the first packet
// that becomes available for any selected stream. Valid only when the
// Demuxer was opened with Options.SingleThreaded.
func (d *Demuxer) ReadAnyPacket(ctx context.Context) (streamIndex int, pkt *Packet, err error) {
	d.mu.Lock()
	for {
		for _, sh := range d.streams {
			if !sh.selected {
				continue
			}
			if sh.readerHead != nil || (sh.AttachedPicture != nil && !sh.attachedPictureSent) {
				p, derr := d.dequeueLocked(sh)
				d.mu.Unlock()
				return sh.Index, p, derr
			}
		}
		allEOF := true
		for _, sh := range d.streams {
			if sh.selected && !sh.eof {
				allEOF = false
			}
		}
		if allEOF {
			d.mu.Unlock()
			return -1, nil, io.EOF
		}
		d.mu.Unlock()
		d.stepOnce(ctx)
		d.mu.Lock()
		if ctx.Err() != nil {
			d.mu.Unlock()
			return -1, nil, ctx.Err()
		}
	}
}

// Flush clears every queue and resets reader state for every stream.
// Idempotent: Flush; Flush behaves the same as a single Flush.
func (d *Demuxer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
}

func (d *Demuxer) flushLocked() {
	for _, r := range d.ranges.ranges {
		for _, q := range r.queues {
			if q != nil {
				q.clear()
			}
		}
	}
	for i := len(d.ranges.ranges) - 1; i >= 0; i-- {
		r := d.ranges.ranges[i]
		if r != d.ranges.current() {
			d.ranges.remove(r)
		}
	}
	for _, sh := range d.streams {
		sh.readerHead = nil
		sh.eof = false
		sh.eofHard = false
		sh.reading = false
		sh.attachedPictureSent = false
	}
	if cur := d.ranges.current(); cur != nil {
		cur.updateSeekRanges(d.streams)
	}
	d.cond.Broadcast()
}

// dequeueLocked removes and returns the next packet for sh, applying
// ts_offset, updating filepos and bitrate, and running back-buffer pruning.
// Must be called with d.mu held.
func (d *Demuxer) dequeueLocked(sh *StreamDescriptor) (*Packet, error) {
	if sh.AttachedPicture != nil && !sh.attachedPictureSent {
		sh.attachedPictureSent = true
		out := *sh.AttachedPicture
		out.PTS = addOffset(out.PTS, d.tsOffset)
		out.DTS = addOffset(out.DTS, d.tsOffset)
		return &out, nil
	}

	if sh.readerHead == nil {
		if sh.eof {
			return nil, io.EOF
		}
		return nil, ErrWouldBlock
	}

	node := sh.readerHead
	sh.readerHead = node.next

	out := *node.pkt
	out.PTS = addOffset(out.PTS, d.tsOffset)
	out.DTS = addOffset(out.DTS, d.tsOffset)

	if out.Pos > sh.filepos {
		sh.filepos = out.Pos
	}
	d.updateBitrateLocked(sh, node.pkt)

	d.pruneToFit()
	d.checkForwardByteCap()
	d.cond.Broadcast()

	return &out, nil
}

// ErrWouldBlock is returned internally by dequeueLocked when called outside
// the normal blocking/async wait protocol; callers of the public API never
// observe it directly (ReadPacketAsync turns it into PENDING/EOF).
var ErrWouldBlock = errors.New("demux: no packet ready")

// updateBitrateLocked folds a dequeued packet into the stream's bitrate
// estimate, recomputed at keyframe boundaries over a window of at least
// bitrateMinWindow seconds of packet timestamps (not wall clock).
func (d *Demuxer) updateBitrateLocked(sh *StreamDescriptor, p *Packet) {
	ts := p.PTS
	if !HasTimestamp(ts) {
		ts = p.DTS
	}
	if !HasTimestamp(ts) {
		return
	}
	if !HasTimestamp(sh.bitrateWindowStart) {
		sh.bitrateWindowStart = ts
		sh.bitrateWindowBytes = 0
	}
	sh.bitrateWindowBytes += int64(len(p.Data))

	if !p.Keyframe {
		return
	}
	span := ts - sh.bitrateWindowStart
	if span >= bitrateMinWindow {
		sh.bitrate = float64(sh.bitrateWindowBytes) / span
		sh.bitrateWindowStart = ts
		sh.bitrateWindowBytes = 0
	}
}

func addOffset(ts, off float64) float64 {
	if !HasTimestamp(ts) {
		return ts
	}
	return ts + off
}

// SetTSOffset sets the timestamp offset added to every timestamp returned
// by ReadPacket/ReadPacketAsync/ReadAnyPacket.
func (d *Demuxer) SetTSOffset(off float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tsOffset = off
}

// Filepos returns the high-water mark of bytes the consumer of streamIndex
// has observed.
func (d *Demuxer) Filepos(streamIndex int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[streamIndex].filepos
}

// waitIdleFor sleeps for d2 to give the demux thread time to settle. Nothing
// in the package calls it.
func (d *Demuxer) waitIdleFor(d2 time.Duration) {
	time.Sleep(d2)
}
