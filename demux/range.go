package demux

// cachedRange is a contiguous playable time interval spanning all streams
// (§4.2). Exactly one range — the last in LRU order — is "current"; only
// the current range is ever appended to by the producer.
type cachedRange struct {
	queues []*queue // indexed by stream index

	seekStart float64
	seekEnd   float64
}

func newCachedRange(numStreams int) *cachedRange {
	return &cachedRange{
		queues:    make([]*queue, numStreams),
		seekStart: NoPTS,
		seekEnd:   NoPTS,
	}
}

// ensureQueue returns the range's queue for streamIndex, creating it if a
// stream was registered after this range existed.
func (r *cachedRange) ensureQueue(sh *StreamDescriptor) *queue {
	for len(r.queues) <= sh.Index {
		r.queues = append(r.queues, nil)
	}
	q := r.queues[sh.Index]
	if q == nil {
		q = newQueue(sh.Index, sh.Type)
		r.queues[sh.Index] = q
	}
	return q
}

// updateSeekRanges recomputes [seekStart, seekEnd] as the intersection of
// every selected stream's queue seek interval: max(start)..min(end). If any
// selected stream has no queue yet, no packets yet, or the intersection is
// empty or inverted, the range's aggregate collapses to NOPTS.
func (r *cachedRange) updateSeekRanges(streams []*StreamDescriptor) {
	start := NoPTS
	end := NoPTS
	any := false

	for _, sh := range streams {
		if !sh.selected {
			continue
		}
		var q *queue
		if sh.Index < len(r.queues) {
			q = r.queues[sh.Index]
		}
		if q == nil || !HasTimestamp(q.seekStart) || !HasTimestamp(q.seekEnd) {
			r.seekStart, r.seekEnd = NoPTS, NoPTS
			return
		}
		if !any {
			start, end = q.seekStart, q.seekEnd
			any = true
			continue
		}
		if q.seekStart > start {
			start = q.seekStart
		}
		if q.seekEnd < end {
			end = q.seekEnd
		}
	}

	if !any || start > end {
		r.seekStart, r.seekEnd = NoPTS, NoPTS
		return
	}
	r.seekStart, r.seekEnd = start, end
}

// totalBytes returns the total bytes currently buffered across every stream's
// queue in this range.
func (r *cachedRange) totalBytes() int64 {
	var n int64
	for _, q := range r.queues {
		if q != nil {
			n += q.bytes
		}
	}
	return n
}

// fwBytes returns the bytes from each selected stream's reader_head forward
// (inclusive) to the tail of this range's queue for that stream.
func (r *cachedRange) fwBytes(streams []*StreamDescriptor) int64 {
	var n int64
	for _, sh := range streams {
		if !sh.selected || sh.Index >= len(r.queues) {
			continue
		}
		q := r.queues[sh.Index]
		if q == nil || sh.readerHead == nil {
			continue
		}
		for node := sh.readerHead; node != nil; node = node.next {
			n += EstimateSize(node.pkt)
		}
	}
	return n
}
