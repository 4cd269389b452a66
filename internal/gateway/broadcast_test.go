package gateway

import (
	"testing"

	"github.com/haasonsaas/claw/pkg/models"
)

func TestOutQueueOrder(t *testing.T) {
	q := newOutQueue(4)
	for _, s := range []string{"a", "b", "c"} {
		if !q.push(outFrame{data: []byte(s), critical: true}) {
			t.Fatalf("push %s failed", s)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		f, ok := q.pop()
		if !ok || string(f.data) != want {
			t.Fatalf("pop = %q, %v, want %q", f.data, ok, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("pop on empty queue succeeded")
	}
}

func TestOutQueueEvictsLowPriorityFirst(t *testing.T) {
	q := newOutQueue(2)
	q.push(outFrame{data: []byte("health"), family: models.EventFamilyHealth})
	q.push(outFrame{data: []byte("agent"), family: models.EventFamilyAgent})

	// A full queue makes room for an agent event by evicting the health
	// snapshot, not the agent event.
	if !q.push(outFrame{data: []byte("agent2"), family: models.EventFamilyAgent}) {
		t.Fatal("push with evictable entry failed")
	}
	f, _ := q.pop()
	if string(f.data) != "agent" {
		t.Errorf("head = %q, want agent (health evicted)", f.data)
	}
}

func TestOutQueueDropsNonCriticalWhenNothingEvictable(t *testing.T) {
	q := newOutQueue(2)
	q.push(outFrame{data: []byte("r1"), critical: true})
	q.push(outFrame{data: []byte("r2"), critical: true})

	if q.push(outFrame{data: []byte("agent"), family: models.EventFamilyAgent}) {
		t.Error("non-critical frame queued past a full critical queue")
	}
	// Critical frames always enter even when the queue is full.
	if !q.push(outFrame{data: []byte("r3"), critical: true}) {
		t.Error("critical frame dropped")
	}
}

func TestOutQueueClosedRejects(t *testing.T) {
	q := newOutQueue(2)
	q.close()
	if q.push(outFrame{data: []byte("x"), critical: true}) {
		t.Error("push on closed queue succeeded")
	}
}

func TestBroadcasterSeqPerFamily(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(models.EventFamilyHealth, map[string]int{"n": 1})
	b.Publish(models.EventFamilyHealth, map[string]int{"n": 2})
	b.Publish(models.EventFamilySession, map[string]int{"n": 1})

	seqs := b.Seqs()
	if seqs[models.EventFamilyHealth] != 2 {
		t.Errorf("health seq = %d, want 2", seqs[models.EventFamilyHealth])
	}
	if seqs[models.EventFamilySession] != 1 {
		t.Errorf("session seq = %d, want 1", seqs[models.EventFamilySession])
	}
}

func TestBroadcasterReplayFilter(t *testing.T) {
	b := NewBroadcaster()
	for i := 0; i < 5; i++ {
		b.Publish(models.EventFamilySession, map[string]int{"n": i})
	}

	tail := b.Replay(models.EventFamilySession, 3)
	if len(tail) != 2 {
		t.Fatalf("replay len = %d, want 2", len(tail))
	}
	if tail[0].seq != 4 || tail[1].seq != 5 {
		t.Errorf("replay seqs = %d, %d, want 4, 5", tail[0].seq, tail[1].seq)
	}
	if got := b.Replay(models.EventFamilySession, 10); len(got) != 0 {
		t.Errorf("replay past head = %d events", len(got))
	}
}

func TestBroadcasterReplayBounded(t *testing.T) {
	b := NewBroadcaster()
	for i := 0; i < replayDepth+50; i++ {
		b.Publish(models.EventFamilyHealth, map[string]int{"n": i})
	}
	tail := b.Replay(models.EventFamilyHealth, 0)
	if len(tail) != replayDepth {
		t.Errorf("buffer holds %d events, want %d", len(tail), replayDepth)
	}
	// The oldest retained event follows the discarded prefix contiguously.
	if tail[0].seq != 51 {
		t.Errorf("oldest retained seq = %d, want 51", tail[0].seq)
	}
}

func TestDroppableFamilies(t *testing.T) {
	cases := []struct {
		family string
		want   bool
	}{
		{models.EventFamilyPresence, true},
		{models.EventFamilyHealth, true},
		{models.EventFamilyTick, true},
		{models.EventFamilyAgent, false},
		{models.EventFamilySession, false},
		{models.EventFamilyConfig, false},
	}
	for _, tc := range cases {
		if got := droppable(tc.family); got != tc.want {
			t.Errorf("droppable(%s) = %v, want %v", tc.family, got, tc.want)
		}
	}
}
