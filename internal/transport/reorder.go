package transport

import (
	"sort"

	"ai-voice-interview-bridge/internal/protocol"
)

// reorderWindow restores sequence order for frames that arrive out of
// order, holding at most `window` frames. Frames at or below the last
// delivered sequence are stale and dropped. When the buffer overflows,
// the lowest held frame is released and the gap is reported.
type reorderWindow struct {
	window  int
	next    uint32
	started bool
	held    map[uint32]*protocol.Message
}

func newReorderWindow(window int) *reorderWindow {
	if window < 1 {
		window = 1
	}
	return &reorderWindow{
		window: window,
		held:   make(map[uint32]*protocol.Message),
	}
}

// result of admitting one frame: frames now deliverable in order,
// whether the frame was stale, and the width of any skipped gap.
type reorderResult struct {
	deliver []*protocol.Message
	stale   bool
	gap     int
}

func (r *reorderWindow) admit(msg *protocol.Message) reorderResult {
	if !r.started {
		r.started = true
		r.next = msg.Sequence + 1
		return reorderResult{deliver: []*protocol.Message{msg}}
	}

	seq := msg.Sequence
	if seq < r.next {
		return reorderResult{stale: true}
	}
	if _, dup := r.held[seq]; dup {
		return reorderResult{stale: true}
	}

	if seq == r.next {
		out := []*protocol.Message{msg}
		r.next++
		out = append(out, r.flush()...)
		return reorderResult{deliver: out}
	}

	r.held[seq] = msg
	if len(r.held) <= r.window {
		return reorderResult{}
	}

	// Overflow: give up on the missing frames, release from the lowest
	// held sequence onward.
	low := r.lowest()
	gap := int(low - r.next)
	r.next = low
	out := []*protocol.Message{}
	if m, ok := r.held[low]; ok {
		delete(r.held, low)
		out = append(out, m)
		r.next++
	}
	out = append(out, r.flush()...)
	return reorderResult{deliver: out, gap: gap}
}

// flush drains consecutively held frames starting at next.
func (r *reorderWindow) flush() []*protocol.Message {
	var out []*protocol.Message
	for {
		m, ok := r.held[r.next]
		if !ok {
			return out
		}
		delete(r.held, r.next)
		out = append(out, m)
		r.next++
	}
}

func (r *reorderWindow) lowest() uint32 {
	seqs := make([]uint32, 0, len(r.held))
	for s := range r.held {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs[0]
}

// pending reports how many frames are currently held.
func (r *reorderWindow) pending() int { return len(r.held) }
