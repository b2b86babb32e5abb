package msggateway

import (
	"sync"
	"time"

	"github.com/aviaryai/aviary/pkg/models"
)

// interruptSlotTTL bounds how long an ask_user wait slot stays open once
// polling stops. It must outlive the reasoning engine's own askUserTimeout
// plus its one reminder round so a slot never expires while a loop is still
// legitimately waiting, but it must still expire eventually: otherwise a
// session that gave up on an unanswered question would silently swallow
// every inbound message that ever arrives for it afterward.
const interruptSlotTTL = 3 * time.Minute

// interruptQueue lets a reasoning loop suspended on ask_user claim the next
// inbound message for its session instead of that message spawning a new
// agent turn. A session has at most one outstanding wait at a time.
type interruptQueue struct {
	mu   sync.Mutex
	wait map[string]*interruptSlot
}

type interruptSlot struct {
	ch     chan *models.Message
	opened time.Time
}

func newInterruptQueue() *interruptQueue {
	return &interruptQueue{wait: make(map[string]*interruptSlot)}
}

// register opens an interrupt slot for sessionKey. Exposed for callers that
// hold a concrete *Gateway and want to open the window before suspending;
// poll below lazily opens the same slot on first call, since the reasoning
// loop's only handle on the gateway is the narrow models.GatewaySession
// interface (SendToSession, CheckInterrupt) and has no way to call this
// method directly.
func (q *interruptQueue) register(sessionKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.openLocked(sessionKey)
}

func (q *interruptQueue) openLocked(sessionKey string) *interruptSlot {
	if slot, ok := q.wait[sessionKey]; ok && time.Since(slot.opened) < interruptSlotTTL {
		return slot
	}
	slot := &interruptSlot{ch: make(chan *models.Message, 1), opened: time.Now()}
	q.wait[sessionKey] = slot
	return slot
}

func (q *interruptQueue) unregister(sessionKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.wait, sessionKey)
}

// deliver hands msg to a waiting session's channel if one is registered and
// not yet expired, reporting whether it was claimed. The caller should not
// process msg as a new turn when this returns true.
func (q *interruptQueue) deliver(sessionKey string, msg *models.Message) bool {
	q.mu.Lock()
	slot, ok := q.wait[sessionKey]
	if ok && time.Since(slot.opened) >= interruptSlotTTL {
		delete(q.wait, sessionKey)
		ok = false
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case slot.ch <- msg:
		return true
	default:
		return false
	}
}

// poll is a non-blocking check for a delivered interrupt message, matching
// the models.GatewaySession.CheckInterrupt contract the reasoning loop
// polls on a fixed interval. The first poll for a session key opens its
// wait slot, so a reasoning loop only needs to start polling before it can
// miss a reply; a claimed message closes the slot immediately afterward,
// and an unclaimed slot expires after interruptSlotTTL so a session that
// stopped waiting doesn't swallow messages indefinitely.
func (q *interruptQueue) poll(sessionKey string) (*models.Message, bool) {
	q.mu.Lock()
	slot := q.openLocked(sessionKey)
	q.mu.Unlock()
	select {
	case msg := <-slot.ch:
		q.unregister(sessionKey)
		return msg, true
	default:
		return nil, false
	}
}
