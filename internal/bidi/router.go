package bidi

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tomyan/bidicap/internal/log"
)

// router fans events out to subscriptions. Each subscription has its own
// unbounded queue and delivery goroutine, so dispatch never blocks the
// read loop.
type router struct {
	log *log.Logger

	mu      sync.RWMutex
	subs    map[string]*subscription
	byEvent map[string][]*subscription
	closed  bool
}

type subscription struct {
	Subscription
	listener Listener
	log      *log.Logger

	mu     sync.Mutex
	queue  []Event
	active bool

	wake chan struct{}
	stop chan struct{}
}

func newRouter(logger *log.Logger) *router {
	return &router{
		log:     logger,
		subs:    make(map[string]*subscription),
		byEvent: make(map[string][]*subscription),
	}
}

func (r *router) subscribe(sessionID, event string, l Listener) Subscription {
	s := &subscription{
		Subscription: Subscription{
			ID:        uuid.NewString(),
			Event:     event,
			SessionID: sessionID,
		},
		listener: l,
		log:      r.log,
		active:   true,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return s.Subscription
	}
	r.subs[s.ID] = s
	r.byEvent[event] = append(r.byEvent[event], s)
	r.mu.Unlock()

	metricSubscriptions.Inc()
	go s.run()

	r.log.Debugf("bidi:router", "subscribed %s to %q (session %q)", s.ID, event, sessionID)
	return s.Subscription
}

func (r *router) unsubscribe(sub Subscription) bool {
	r.mu.Lock()
	s, ok := r.subs[sub.ID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.subs, sub.ID)
	list := r.byEvent[s.Event]
	for i, candidate := range list {
		if candidate == s {
			r.byEvent[s.Event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.byEvent[s.Event]) == 0 {
		delete(r.byEvent, s.Event)
	}
	r.mu.Unlock()

	s.shutdown()
	metricSubscriptions.Dec()
	r.log.Debugf("bidi:router", "unsubscribed %s from %q", s.ID, s.Event)
	return true
}

func (r *router) dispatch(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.byEvent[ev.Name] {
		if s.matches(ev) {
			s.enqueue(ev)
		}
	}
	for _, s := range r.byEvent[AllEvents] {
		if s.matches(ev) {
			s.enqueue(ev)
		}
	}
}

func (r *router) pending(sub Subscription) int {
	r.mu.RLock()
	s, ok := r.subs[sub.ID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (r *router) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// closeAll removes every listener. Subscriptions made afterwards are inert.
func (r *router) closeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.byEvent = make(map[string][]*subscription)
	r.closed = true
	r.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
		metricSubscriptions.Dec()
	}
}

func (s *subscription) matches(ev Event) bool {
	return s.SessionID == "" || s.SessionID == ev.SessionID
}

func (s *subscription) enqueue(ev Event) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) shutdown() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.queue = nil
	s.mu.Unlock()
	close(s.stop)
}

func (s *subscription) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			s.deliver(ev)
		}
	}
}

func (s *subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metricListenerPanics.Inc()
			s.log.Errorf("bidi:router", "listener %s for %q panicked: %v", s.ID, ev.Name, r)
		}
	}()

	// Re-checked right before the call so an Unsubscribe that completed while
	// this event was being dequeued wins. Unsubscribe does not wait for the
	// call itself.
	if !s.isActive() {
		return
	}
	metricEventsDelivered.Inc()
	s.listener(ev)
}
