package conversation

import (
	"sync"
	"time"
)

// Transcript is the append-only message log of one session. Seq numbers
// start at 1 and are gapless. Readers only ever get copies.
type Transcript struct {
	mu   sync.RWMutex
	msgs []Message
	now  func() time.Time
}

func NewTranscript() *Transcript {
	return &Transcript{now: time.Now}
}

// Restore rebuilds a transcript from archived messages, renumbering them so
// the gapless invariant holds.
func Restore(msgs []Message) *Transcript {
	t := NewTranscript()
	for _, m := range msgs {
		m = m.Clone()
		m.Seq = len(t.msgs) + 1
		t.msgs = append(t.msgs, m)
	}
	return t
}

// Append stores m with the next sequence number and returns the stored copy.
// Seq and CreatedAt on the input are ignored.
func (t *Transcript) Append(m Message) Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	m = m.Clone()
	m.Seq = len(t.msgs) + 1
	m.CreatedAt = t.now().UTC()
	t.msgs = append(t.msgs, m)
	return m.Clone()
}

// Snapshot copies the prefix that exists right now.
func (t *Transcript) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneAll(t.msgs)
}

// Since returns every message with Seq > seq.
func (t *Transcript) Since(seq int) []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if seq < 0 {
		seq = 0
	}
	if seq >= len(t.msgs) {
		return nil
	}
	return cloneAll(t.msgs[seq:])
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

func (t *Transcript) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return Message{}, false
	}
	return t.msgs[len(t.msgs)-1].Clone(), true
}

func cloneAll(in []Message) []Message {
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
