package relay

import "sync"

// outboundQueue buffers serialized envelopes while a server channel is
// not yet authenticated. FIFO, unbounded; it lives for the channel's
// lifetime and survives reconnects.
type outboundQueue struct {
	mu      sync.Mutex
	entries [][]byte
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{}
}

func (q *outboundQueue) Push(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, data)
}

func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Drain sends every queued entry in enqueue order. On send failure the
// failed entry is put back at the head so a later drain resumes where
// this one stopped.
func (q *outboundQueue) Drain(send func([]byte) error) error {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return nil
		}
		entry := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if err := send(entry); err != nil {
			q.mu.Lock()
			q.entries = append([][]byte{entry}, q.entries...)
			q.mu.Unlock()
			return err
		}
	}
}
