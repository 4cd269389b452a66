package gateway

import (
	"encoding/json"
	"sync"

	"github.com/haasonsaas/claw/pkg/models"
)

// replayDepth bounds how many past events each family keeps for since_seq
// replay on reconnect.
const replayDepth = 256

// stampedEvent is one broadcast event with its family seq already assigned.
type stampedEvent struct {
	family  string
	seq     uint64
	payload json.RawMessage
}

// droppable reports whether a family's events may be discarded under
// back-pressure. State-version families are safe to drop because a newer
// seq supersedes anything missed.
func droppable(family string) bool {
	switch family {
	case models.EventFamilyPresence, models.EventFamilyHealth, models.EventFamilyTick:
		return true
	}
	return false
}

// Broadcaster fans events out to every subscribed connection. Each family
// carries a monotonic seq; subscribers reconnecting with since_seq get the
// buffered tail replayed before live traffic.
type Broadcaster struct {
	mu     sync.Mutex
	seqs   map[string]uint64
	buffer map[string][]stampedEvent
	subs   map[*conn]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		seqs:   make(map[string]uint64),
		buffer: make(map[string][]stampedEvent),
		subs:   make(map[*conn]struct{}),
	}
}

func (b *Broadcaster) subscribe(c *conn) {
	b.mu.Lock()
	b.subs[c] = struct{}{}
	b.mu.Unlock()
}

// subscribeReplay replays the buffered tail for the requested families and
// subscribes in one critical section, so nothing published in between is
// missed or duplicated.
func (b *Broadcaster) subscribeReplay(c *conn, since map[string]uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for family, s := range since {
		for _, ev := range b.buffer[family] {
			if ev.seq > s {
				c.enqueueEvent(ev)
			}
		}
	}
	b.subs[c] = struct{}{}
}

func (b *Broadcaster) unsubscribe(c *conn) {
	b.mu.Lock()
	delete(b.subs, c)
	b.mu.Unlock()
}

// Publish stamps the payload with the family's next seq and delivers it to
// every authenticated subscriber.
func (b *Broadcaster) Publish(family string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.seqs[family]++
	ev := stampedEvent{family: family, seq: b.seqs[family], payload: raw}
	buf := append(b.buffer[family], ev)
	if len(buf) > replayDepth {
		buf = buf[len(buf)-replayDepth:]
	}
	b.buffer[family] = buf
	subs := make([]*conn, 0, len(b.subs))
	for c := range b.subs {
		subs = append(subs, c)
	}
	b.mu.Unlock()

	for _, c := range subs {
		c.enqueueEvent(ev)
	}
}

// Seqs snapshots the current seq per family, advertised in hello.ok so
// clients know what since_seq to send next time.
func (b *Broadcaster) Seqs() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.seqs))
	for fam, seq := range b.seqs {
		out[fam] = seq
	}
	return out
}

// Replay returns the buffered events for family with seq strictly greater
// than since, oldest first.
func (b *Broadcaster) Replay(family string, since uint64) []stampedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []stampedEvent
	for _, ev := range b.buffer[family] {
		if ev.seq > since {
			out = append(out, ev)
		}
	}
	return out
}
