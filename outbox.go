package relay

type frame struct {
	kind MessageType
	data []byte
}

// Outbox is the ordered queue of frames bound for one client. The event
// loop pushes; a single writer pops.
type Outbox struct {
	q *fifo[frame]
}

// NewOutbox creates an outbox holding at most limit frames. Pushing onto a
// full outbox fails.
func NewOutbox(limit int) *Outbox {
	return &Outbox{q: newFifo[frame](limit)}
}

func (o *Outbox) Push(kind MessageType, data []byte) bool {
	return o.q.push(frame{kind: kind, data: data})
}

// Pop blocks until a frame is queued. After Close it drains what is left
// and then reports false.
func (o *Outbox) Pop() (MessageType, []byte, bool) {
	f, ok := o.q.pop()
	return f.kind, f.data, ok
}

// PurgeTurn drops queued model audio and output transcripts. Other frames
// keep their order.
func (o *Outbox) PurgeTurn() int {
	return o.q.deleteFunc(func(f frame) bool {
		return f.kind == MessageAudioChunk || f.kind == MessageOutputTranscription
	})
}

func (o *Outbox) Len() int {
	return o.q.len()
}

func (o *Outbox) Close() {
	o.q.close()
}
