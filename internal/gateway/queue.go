package gateway

// DropPolicy decides which side of a full send queue loses an envelope.
type DropPolicy string

const (
	// DropNew rejects the incoming envelope when the queue is full.
	DropNew DropPolicy = "drop_new"
	// DropOld evicts the oldest queued envelope to make room.
	DropOld DropPolicy = "drop_old"
)

// sendQueue is a bounded channel-backed queue with a drop policy. One queue
// per socket; only the owning session's write pump receives from it.
type sendQueue struct {
	ch     chan []byte
	policy DropPolicy
}

func newSendQueue(capacity int, policy DropPolicy) *sendQueue {
	if capacity <= 0 {
		capacity = 100
	}
	if policy == "" {
		policy = DropNew
	}
	return &sendQueue{
		ch:     make(chan []byte, capacity),
		policy: policy,
	}
}

// push enqueues a frame, applying the drop policy when full. It reports
// whether the frame was queued.
func (q *sendQueue) push(frame []byte) bool {
	select {
	case q.ch <- frame:
		return true
	default:
	}

	if q.policy == DropOld {
		// Evict the oldest frame and retry once. A concurrent pop can empty
		// the queue between the two selects; both outcomes are fine.
		select {
		case <-q.ch:
		default:
		}
		select {
		case q.ch <- frame:
			return true
		default:
		}
	}
	return false
}

func (q *sendQueue) len() int {
	return len(q.ch)
}
