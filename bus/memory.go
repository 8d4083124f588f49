package bus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// groupRetry is the pause between passes over a queue group whose members
// all have full buffers.
const groupRetry = time.Millisecond

// MemoryBus is an in-process MessageBus for single-instance runs and tests.
type MemoryBus struct {
	buffer int

	// mu guards routes. Subscriber channels are closed only under the write
	// lock, so sending under the read lock is safe.
	mu     sync.RWMutex
	routes map[string]*route
	closed atomic.Bool

	inboxMu  sync.Mutex
	inbox    map[string]chan *Message
	inboxSeq atomic.Uint64
}

// route holds the subscribers of one subject.
type route struct {
	fanout []*memorySub
	groups map[string]*memoryGroup
}

func (r *route) empty() bool {
	return len(r.fanout) == 0 && len(r.groups) == 0
}

type memoryGroup struct {
	members []*memorySub
	cursor  atomic.Uint64
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	group   string
	ch      chan *Message
	ended   atomic.Bool
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	return &MemoryBus{
		buffer: cfg.buffer(),
		routes: make(map[string]*route),
		inbox:  make(map[string]chan *Message),
	}
}

// Publish delivers data. A publish to a pending request's reply subject
// completes that request instead.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Data: data}
	if b.answer(msg) {
		return nil
	}
	b.dispatch(msg)
	return nil
}

// dispatch fans msg out to plain subscribers, dropping on full buffers, then
// hands it to one member of each queue group.
func (b *MemoryBus) dispatch(msg *Message) int {
	b.mu.RLock()
	r := b.routes[msg.Subject]
	if r == nil {
		b.mu.RUnlock()
		return 0
	}
	for _, s := range r.fanout {
		s.offer(msg)
	}
	groups := make([]*memoryGroup, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	reached := len(r.fanout) + len(groups)
	b.mu.RUnlock()

	for _, g := range groups {
		b.handToGroup(g, msg)
	}
	return reached
}

// handToGroup gives msg to the first member with room, starting after the
// previous recipient. It waits while every member is full and gives up once
// the group is empty or the bus closes.
func (b *MemoryBus) handToGroup(g *memoryGroup, msg *Message) {
	for !b.closed.Load() {
		b.mu.RLock()
		n := len(g.members)
		if n == 0 {
			b.mu.RUnlock()
			return
		}
		start := int(g.cursor.Add(1) - 1)
		for i := 0; i < n; i++ {
			if g.members[(start+i)%n].offer(msg) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
		time.Sleep(groupRetry)
	}
}

// answer completes the pending request whose inbox is msg.Subject.
func (b *MemoryBus) answer(msg *Message) bool {
	b.inboxMu.Lock()
	ch, ok := b.inbox[msg.Subject]
	delete(b.inbox, msg.Subject)
	b.inboxMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// Subscribe receives every message on subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe joins group on subject.
func (b *MemoryBus) QueueSubscribe(subject, group string) (Subscription, error) {
	if group == "" {
		return nil, ErrInvalidQueue
	}
	return b.subscribe(subject, group)
}

func (b *MemoryBus) subscribe(subject, group string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	s := &memorySub{bus: b, subject: subject, group: group, ch: make(chan *Message, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	r := b.routes[subject]
	if r == nil {
		r = &route{groups: make(map[string]*memoryGroup)}
		b.routes[subject] = r
	}
	if group == "" {
		r.fanout = append(r.fanout, s)
		return s, nil
	}
	g := r.groups[group]
	if g == nil {
		g = &memoryGroup{}
		r.groups[group] = g
	}
	// Copy on append: handToGroup indexes members under the read lock.
	g.members = append(append([]*memorySub(nil), g.members...), s)
	return s, nil
}

// Request publishes data with a private reply subject and waits for the
// answer.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := requestContext(ctx)
	defer cancel()

	reply := "_INBOX.memory." + strconv.FormatUint(b.inboxSeq.Add(1), 10)
	ch := make(chan *Message, 1)
	b.inboxMu.Lock()
	b.inbox[reply] = ch
	b.inboxMu.Unlock()
	defer func() {
		b.inboxMu.Lock()
		delete(b.inbox, reply)
		b.inboxMu.Unlock()
	}()

	if b.dispatch(&Message{Subject: subject, Data: data, Reply: reply}) == 0 {
		return nil, ErrNoResponders
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, requestErr(ctx.Err())
	}
}

// Close ends every subscription. Pending requests run out their context.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.routes {
		for _, s := range r.fanout {
			s.end()
		}
		for _, g := range r.groups {
			for _, s := range g.members {
				s.end()
			}
		}
	}
	b.routes = nil
	return nil
}

// offer is a non-blocking send. Callers hold the bus read lock.
func (s *memorySub) offer(msg *Message) bool {
	if s.ended.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// end closes the channel. Callers hold the bus write lock.
func (s *memorySub) end() {
	if !s.ended.Swap(true) {
		close(s.ch)
	}
}

func (s *memorySub) Messages() <-chan *Message { return s.ch }

// Unsubscribe detaches s and closes its channel. Repeated calls are no-ops.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.ended.Load() {
		return nil
	}
	if r := b.routes[s.subject]; r != nil {
		if s.group == "" {
			r.fanout = without(r.fanout, s)
		} else if g := r.groups[s.group]; g != nil {
			g.members = without(g.members, s)
			if len(g.members) == 0 {
				delete(r.groups, s.group)
			}
		}
		if r.empty() {
			delete(b.routes, s.subject)
		}
	}
	s.end()
	return nil
}

// without returns subs minus target in a fresh slice.
func without(subs []*memorySub, target *memorySub) []*memorySub {
	out := make([]*memorySub, 0, len(subs))
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
