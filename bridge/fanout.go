package bridge

import "sync"

const subscriberBuffer = 64

// fanout allows dynamic concurrent addition and removal of subscribers to a byte stream.
// Unlike a multiwriter it never blocks the publisher: if a subscriber's buffer is full,
// the chunk is dropped for that subscriber, since the publisher is draining a child's pipe.
type fanout struct {
	m    sync.Mutex
	subs map[chan []byte]struct{}
}

func newFanout() *fanout {
	return &fanout{subs: map[chan []byte]struct{}{}}
}

func (f *fanout) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	f.m.Lock()
	f.subs[ch] = struct{}{}
	f.m.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.m.Lock()
			delete(f.subs, ch)
			f.m.Unlock()
			close(ch)
		})
	}
}

func (f *fanout) publish(b []byte) {
	f.m.Lock()
	defer f.m.Unlock()
	for ch := range f.subs {
		select {
		case ch <- b:
		default:
		}
	}
}

func (f *fanout) len() int {
	f.m.Lock()
	defer f.m.Unlock()
	return len(f.subs)
}
