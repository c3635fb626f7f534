package demux

import "testing"

func TestQueueAppendMonotonicityDegrades(t *testing.T) {
	t.Parallel()

	q := newQueue(0, StreamVideo)
	q.append(&Packet{DTS: 1, PTS: 1, Pos: 1})
	if !q.correctDTS || !q.correctPos {
		t.Fatalf("single packet should be correct by definition")
	}

	q.append(&Packet{DTS: 2, PTS: 2, Pos: 2})
	if !q.correctDTS || !q.correctPos {
		t.Fatalf("strictly increasing dts/pos should stay correct")
	}

	// A position that goes backward permanently degrades correctPos, even
	// though correctDTS is unaffected by it.
	q.append(&Packet{DTS: 3, PTS: 3, Pos: 1})
	if !q.correctDTS {
		t.Errorf("correctDTS should be unaffected by a position regression")
	}
	if q.correctPos {
		t.Errorf("correctPos should degrade permanently once pos goes backward")
	}

	q.append(&Packet{DTS: 4, PTS: 4, Pos: 5})
	if q.correctPos {
		t.Errorf("correctPos must never recover once degraded")
	}
}

func TestQueueAppendClosesBlockOnNextKeyframe(t *testing.T) {
	t.Parallel()

	q := newQueue(0, StreamVideo)
	closed := q.append(&Packet{DTS: 0, PTS: 0, Keyframe: true})
	if closed {
		t.Errorf("first keyframe should not report a closed block")
	}
	if !q.blockOpen {
		t.Errorf("expected a block to be open after the first keyframe")
	}

	closed = q.append(&Packet{DTS: 0.5, PTS: 0.5})
	if closed {
		t.Errorf("a non-keyframe packet should never close a block")
	}

	closed = q.append(&Packet{DTS: 1, PTS: 1, Keyframe: true})
	if !closed {
		t.Errorf("a new keyframe arriving with a block open should close it")
	}
	kf, ok := q.head.pkt.KFSeekPTS()
	if !ok || kf != 0 {
		t.Errorf("closed block's keyframe kf_seek_pts: got %v (ok=%v), want 0", kf, ok)
	}
	if !HasTimestamp(q.seekStart) || q.seekStart != 0 {
		t.Errorf("queue seek_start after first closed block: got %v, want 0", q.seekStart)
	}
	if q.seekEnd != 0.5 {
		t.Errorf("queue seek_end after first closed block: got %v, want 0.5 (last folded pts)", q.seekEnd)
	}
}

func TestQueueComputePruneTargetStopsAtBoundary(t *testing.T) {
	t.Parallel()

	q := newQueue(0, StreamVideo)
	q.append(&Packet{DTS: 0, PTS: 0, Keyframe: true})
	q.append(&Packet{DTS: 1, PTS: 1, Keyframe: true})
	q.closeBlock() // close the second keyframe's own open block too

	head := q.head

	// stop == head leaves an empty window: there is nothing before the stop
	// that pruning could drop.
	if target := q.computePruneTarget(head); target != nil {
		t.Errorf("stop == head: got target %+v, want nil", target)
	}

	// A different stop value must not reuse the cache keyed to the first
	// call; with no boundary at all, the next valid keyframe after head is
	// the prune target (head itself never is).
	if target := q.computePruneTarget(nil); target != head.next {
		t.Errorf("stop == nil: got target %+v, want head.next", target)
	}
}

func TestQueueMustPrune(t *testing.T) {
	t.Parallel()

	q := newQueue(0, StreamVideo)
	if q.mustPrune() {
		t.Errorf("empty queue must never require pruning")
	}

	q.append(&Packet{DTS: 0, PTS: 0, Keyframe: false})
	if !q.mustPrune() {
		t.Errorf("a non-keyframe head must always be an unconditional prune victim")
	}

	q.clear()
	q.append(&Packet{DTS: 0, PTS: NoPTS, Keyframe: true})
	if !q.mustPrune() {
		t.Errorf("a keyframe head without a timestamp must be an unconditional prune victim")
	}

	q.clear()
	q.append(&Packet{DTS: 0, PTS: 0, Keyframe: true})
	if q.mustPrune() {
		t.Errorf("a timestamped keyframe head should not require unconditional pruning")
	}
}
