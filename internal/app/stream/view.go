package stream

import (
	"sync"

	"github.com/dkeye/Lounge/internal/domain"
)

const listenerQueue = 64

// RoomView is the ordered, duplicate-free message list of one open room. It
// is owned by its synchronizer run loop; readers get copies.
type RoomView struct {
	id  domain.RoomID
	max int

	mu        sync.RWMutex
	msgs      []domain.Message
	seen      map[domain.MessageID]struct{}
	listeners map[int]chan domain.Message
	nextL     int
	closed    bool

	done chan struct{}
}

func newRoomView(id domain.RoomID, max int) *RoomView {
	return &RoomView{
		id:        id,
		max:       max,
		seen:      make(map[domain.MessageID]struct{}),
		listeners: make(map[int]chan domain.Message),
		done:      make(chan struct{}),
	}
}

func (v *RoomView) ID() domain.RoomID { return v.id }

// Done is closed when the room is closed.
func (v *RoomView) Done() <-chan struct{} { return v.done }

// Merge appends every message whose id has not been seen, in the order given,
// and returns the ones it appended. It is the only way messages enter the view.
func (v *RoomView) Merge(msgs ...domain.Message) []domain.Message {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	var added []domain.Message
	for _, m := range msgs {
		if m.ID == "" || m.RoomID != v.id {
			continue
		}
		if _, ok := v.seen[m.ID]; ok {
			continue
		}
		v.seen[m.ID] = struct{}{}
		v.msgs = append(v.msgs, m)
		added = append(added, m)
	}
	if v.max > 0 && len(v.msgs) > v.max {
		drop := len(v.msgs) - v.max
		for _, old := range v.msgs[:drop] {
			delete(v.seen, old.ID)
		}
		v.msgs = append([]domain.Message(nil), v.msgs[drop:]...)
	}
	for _, m := range added {
		for _, l := range v.listeners {
			select {
			case l <- m:
			default:
			}
		}
	}
	v.mu.Unlock()
	return added
}

func (v *RoomView) Messages() []domain.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]domain.Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}

func (v *RoomView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.msgs)
}

// Listen delivers messages appended after the call. A listener that does not
// keep up misses messages; the view itself is unaffected.
func (v *RoomView) Listen() (<-chan domain.Message, func()) {
	ch := make(chan domain.Message, listenerQueue)
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := v.nextL
	v.nextL++
	v.listeners[id] = ch
	v.mu.Unlock()

	return ch, func() {
		v.mu.Lock()
		if l, ok := v.listeners[id]; ok {
			delete(v.listeners, id)
			close(l)
		}
		v.mu.Unlock()
	}
}

func (v *RoomView) close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	for id, l := range v.listeners {
		close(l)
		delete(v.listeners, id)
	}
	v.mu.Unlock()
	close(v.done)
}
