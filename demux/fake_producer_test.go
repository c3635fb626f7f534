package demux

import "context"

// fakePacket pairs a packet with the stream index it should be delivered
// on; used to script fakeProducer's FillBuffer batches in tests.
type fakePacket struct {
	stream int
	pkt    *Packet
}

// seekCall records one invocation of fakeProducer.Seek for assertions about
// whether (and how) the demux thread drove the producer.
type seekCall struct {
	pts   float64
	flags SeekFlags
}

// fakeProducer is a scriptable Producer used across the demux test suite.
// Open registers the streams given at construction; FillBuffer emits one
// batch per call from a pre-loaded script, reporting EOF (0, nil) once the
// script is exhausted unless more batches are appended with feed.
type fakeProducer struct {
	initialStreams []StreamDescriptor

	batches  [][]fakePacket
	batchIdx int
	seekable bool
	seeks    []seekCall
	openErr  error
	view     ProducerView
}

func newFakeProducer(streams ...StreamDescriptor) *fakeProducer {
	return &fakeProducer{initialStreams: streams, seekable: true}
}

// feed appends one more FillBuffer batch to the script.
func (fp *fakeProducer) feed(pkts ...fakePacket) {
	fp.batches = append(fp.batches, pkts)
}

func (fp *fakeProducer) Open(ctx context.Context, view ProducerView, level CheckLevel) error {
	if fp.openErr != nil {
		return fp.openErr
	}
	fp.view = view
	for _, sh := range fp.initialStreams {
		view.AddStream(sh)
	}
	return nil
}

func (fp *fakeProducer) FillBuffer(ctx context.Context, view ProducerView) (int, error) {
	if fp.batchIdx >= len(fp.batches) {
		return 0, nil
	}
	b := fp.batches[fp.batchIdx]
	fp.batchIdx++
	for _, p := range b {
		view.AddPacket(p.stream, p.pkt)
	}
	return len(b), nil
}

func (fp *fakeProducer) Seek(ctx context.Context, pts float64, flags SeekFlags) error {
	fp.seeks = append(fp.seeks, seekCall{pts, flags})
	return nil
}

func (fp *fakeProducer) Control(ctx context.Context, cmd ControlCmd, arg any) (any, error) {
	return nil, nil
}

func (fp *fakeProducer) StreamControl(ctx context.Context, streamIndex int, cmd StreamControlCmd, arg any) (any, error) {
	return nil, nil
}

func (fp *fakeProducer) Close(ctx context.Context) error { return nil }

func (fp *fakeProducer) Seekable() bool { return fp.seekable }

// pkt builds a Packet with the given fields for test scripting; Pos is
// derived from an incrementing counter the caller supplies so correctPos
// stays true across a script.
func pkt(dts, pts float64, pos int64, keyframe bool, size int) *Packet {
	return &Packet{
		Data:     make([]byte, size),
		DTS:      dts,
		PTS:      pts,
		Pos:      pos,
		Keyframe: keyframe,
	}
}
