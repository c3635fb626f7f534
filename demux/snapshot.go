package demux

// OnEvent registers cb to be invoked (with no lock held) whenever new
// events are coalesced into the pending mask — the wakeup callback of
// §4.8, used by callers that integrate the Demuxer into an external event
// loop instead of polling Events.
func (d *Demuxer) OnEvent(cb func()) {
	d.mu.Lock()
	d.wakeupCB = cb
	d.mu.Unlock()
}

// Events returns and clears the coalesced event mask accumulated since the
// last call (§4.8's demux_update). Multiple occurrences of the same event
// between calls collapse into a single bit, by design: callers are
// expected to re-derive current state (stream list, metadata) from the
// Demuxer rather than count occurrences.
func (d *Demuxer) Events() Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.events
	d.events = 0
	return e
}

// raiseEventLocked ORs evt into the pending mask, wakes any waiter, and —
// if a wakeup callback is registered — invokes it on its own goroutine so
// the caller never runs it while holding d.mu. Must be called with d.mu
// held.
func (d *Demuxer) raiseEventLocked(evt Event) {
	d.events |= evt
	d.notifyLocked()
	d.fireWakeupLocked()
}

// fireWakeupLocked invokes the registered wakeup callback, if any, on its
// own goroutine so the caller never runs it while holding d.mu. Used for
// the metadata/stream events above as well as §4.8's "new packet after
// underrun or EOF" case. Must be called with d.mu held.
func (d *Demuxer) fireWakeupLocked() {
	if d.wakeupCB != nil {
		cb := d.wakeupCB
		go cb()
	}
}

// Snapshot is a point-in-time, lock-free view of demuxer state useful for
// diagnostics and UI, mirroring what mpv's demux_ctrl cache-state query
// exposes.
type Snapshot struct {
	NumStreams    int
	CachedRanges  int
	TotalBytes    int64
	ForwardBytes  int64
	SeekableCache bool
	Streams       []StreamSnapshot
}

// StreamSnapshot is the per-stream slice of Snapshot.
type StreamSnapshot struct {
	Index      int
	Type       StreamType
	Selected   bool
	EOF        bool
	Bitrate    float64
	Filepos    int64
}

// Snapshot captures a consistent, momentary view of cache and stream state.
func (d *Demuxer) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.ranges.current()
	var fwd int64
	if cur != nil {
		fwd = cur.fwBytes(d.streams)
	}

	s := Snapshot{
		NumStreams:    len(d.streams),
		CachedRanges:  len(d.ranges.ranges),
		TotalBytes:    d.ranges.totalBytes(),
		ForwardBytes:  fwd,
		SeekableCache: d.opts.SeekableCache,
		Streams:       make([]StreamSnapshot, len(d.streams)),
	}
	for i, sh := range d.streams {
		s.Streams[i] = StreamSnapshot{
			Index:    sh.Index,
			Type:     sh.Type,
			Selected: sh.selected,
			EOF:      sh.eof,
			Bitrate:  sh.bitrate,
			Filepos:  sh.filepos,
		}
	}
	return s
}
