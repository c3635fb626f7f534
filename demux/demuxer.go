package demux

import (
	"context"
	"fmt"
	"sync"
)

// Demuxer is the buffering cache layer between a Producer and its readers.
// All mutable state is guarded by mu; cond signals readers and the demux
// thread whenever that state changes. There is exactly one demux thread per
// Demuxer (§4.7), started by Open and stopped by Close.
type Demuxer struct {
	mu   sync.Mutex
	cond *sync.Cond

	opts     Options
	producer Producer

	streams []*StreamDescriptor
	ranges  rangeSet

	tsOffset       float64
	seekableSource bool
	started        bool
	closed         bool

	pendingSeek      *pendingSeek
	tracksSwitched   bool
	warnedOverBudget bool
	metadata         map[string]string

	events     Event
	wakeupCB   func()

	threadCtx    context.Context
	threadCancel context.CancelFunc
	threadDone   chan struct{}
}

// Open constructs a Demuxer around producer, calls its Open hook, and —
// unless Options.SingleThreaded is set — starts the background demux
// thread. The returned Demuxer owns producer until Close.
func Open(ctx context.Context, producer Producer, opts ...Option) (*Demuxer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Demuxer{
		opts:           o,
		producer:       producer,
		seekableSource: producer.Seekable(),
	}
	d.cond = sync.NewCond(&d.mu)

	view := ProducerView{
		AddPacket: d.addPacketFromProducer,
		AddStream: d.addStreamFromProducer,
	}
	if err := producer.Open(ctx, view, CheckNormal); err != nil {
		return nil, fmt.Errorf("demux: open: %w", err)
	}

	d.mu.Lock()
	d.started = true
	d.raiseEventLocked(EventInit)
	d.mu.Unlock()

	if !o.SingleThreaded {
		tctx, cancel := context.WithCancel(context.Background())
		d.threadCtx = tctx
		d.threadCancel = cancel
		d.threadDone = make(chan struct{})
		go d.run()
	}

	return d, nil
}

// AddStream registers a new elementary stream (called by Open before
// starting, or by the producer mid-stream for track changes such as a PMT
// update). Returns the assigned index.
func (d *Demuxer) AddStream(desc StreamDescriptor) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addStreamLocked(desc)
}

func (d *Demuxer) addStreamLocked(desc StreamDescriptor) int {
	desc.Index = len(d.streams)
	desc.lastDTS = NoPTS
	desc.refreshRefPTS = NoPTS
	desc.bitrateWindowStart = NoPTS
	sh := desc
	d.streams = append(d.streams, &sh)

	for _, r := range d.ranges.ranges {
		r.ensureQueue(&sh)
	}
	d.tracksSwitched = true
	d.raiseEventLocked(EventStreams)
	return sh.Index
}

func (d *Demuxer) addStreamFromProducer(desc StreamDescriptor) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addStreamLocked(desc)
}

// addPacketFromProducer is the ProducerView.AddPacket implementation. It is
// only ever invoked from inside FillBuffer/Open, which the demux thread
// calls with the lock dropped (§4.7), so it must acquire mu itself.
func (d *Demuxer) addPacketFromProducer(streamIndex int, p *Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addPacketLocked(streamIndex, p)
}

func (d *Demuxer) addPacketLocked(streamIndex int, p *Packet) {
	if streamIndex < 0 || streamIndex >= len(d.streams) {
		return
	}
	sh := d.streams[streamIndex]

	// A pending seek supersedes reads already in flight, and a stream that
	// isn't selected (or is mid-transition into a refresh seek) must not
	// accumulate data before that seek actually runs (§5, §4.7).
	if !sh.selected || sh.needRefresh || d.pendingSeek != nil {
		return
	}

	p.Stream = streamIndex

	cur := d.ranges.current()
	if cur == nil {
		cur = newCachedRange(len(d.streams))
		d.ranges.ranges = append(d.ranges.ranges, cur)
	}
	q := cur.ensureQueue(sh)

	// Underrun: the stream had nothing buffered and a reader had already
	// asked for more (reading==true). Folded into the wakeup callback per
	// §4.8, separately from the cond.Broadcast() below which unblocks
	// in-process waiters regardless of a registered callback.
	underran := sh.readerHead == nil && sh.reading

	if sh.refreshing {
		if sh.refreshUseDTS {
			if HasTimestamp(p.DTS) && HasTimestamp(sh.lastDTS) && p.DTS <= sh.lastDTS {
				return
			}
		} else if p.Pos <= sh.lastPos {
			return
		}
		sh.refreshing = false
	}

	q.append(p)
	if sh.readerHead == nil {
		sh.readerHead = q.tail
	}
	cur.updateSeekRanges(d.streams)

	d.cond.Broadcast()
	if underran {
		d.fireWakeupLocked()
	}
}

// Streams returns a snapshot slice of stream descriptors. The returned
// slice and its elements must not be mutated.
func (d *Demuxer) Streams() []*StreamDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*StreamDescriptor, len(d.streams))
	copy(out, d.streams)
	return out
}

// NumStreams returns the number of registered streams.
func (d *Demuxer) NumStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Metadata returns the most recently polled producer metadata (§4.8,
// EventMetadata). Empty until the first successful refreshMetadata poll.
func (d *Demuxer) Metadata() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.metadata))
	for k, v := range d.metadata {
		out[k] = v
	}
	return out
}

// refreshMetadata polls the producer for ControlGetMetadata and raises
// EventMetadata when the result differs from the last poll, mirroring
// update_cache's STREAM_CTRL_GET_METADATA poll on each demux thread cycle.
// Called with no lock held.
func (d *Demuxer) refreshMetadata(ctx context.Context) {
	res, err := d.producer.Control(ctx, ControlGetMetadata, nil)
	if err != nil {
		return
	}
	m, ok := res.(map[string]string)
	if !ok {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if metadataEqual(d.metadata, m) {
		return
	}
	d.metadata = m
	d.raiseEventLocked(EventMetadata)
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// notifyLocked wakes every blocked reader and the demux thread. Must be
// called with d.mu held.
func (d *Demuxer) notifyLocked() {
	d.cond.Broadcast()
}

// Control forwards a demuxer-global query to the producer with the lock
// dropped, per §4.7/§7.
func (d *Demuxer) Control(ctx context.Context, cmd ControlCmd, arg any) (any, error) {
	return d.producer.Control(ctx, cmd, arg)
}

// StreamControl forwards a per-stream query to the producer with the lock
// dropped.
func (d *Demuxer) StreamControl(ctx context.Context, streamIndex int, cmd StreamControlCmd, arg any) (any, error) {
	return d.producer.StreamControl(ctx, streamIndex, cmd, arg)
}

// Close stops the demux thread, closes the producer, and releases all
// cached packets. Safe to call more than once.
func (d *Demuxer) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.threadCancel != nil {
		d.threadCancel()
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
		<-d.threadDone
	}

	d.mu.Lock()
	for _, r := range d.ranges.ranges {
		for _, q := range r.queues {
			if q != nil {
				q.clear()
			}
		}
	}
	d.ranges.ranges = nil
	d.mu.Unlock()

	return d.producer.Close(ctx)
}
