package funnel

import (
	"sync"
	"sync/atomic"

	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/bwmarrin/snowflake"
)

// IDGenerator hands out unique message ids.
type IDGenerator interface {
	Next() int64
}

// SnowflakeIDs generates time-ordered ids unique across server instances.
type SnowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs creates a generator for the given node id (0-1023).
func NewSnowflakeIDs(nodeID int64) (*SnowflakeIDs, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &SnowflakeIDs{node: node}, nil
}

// Next returns a new id.
func (g *SnowflakeIDs) Next() int64 {
	return g.node.Generate().Int64()
}

// SequentialIDs counts up from 1.
type SequentialIDs struct {
	n atomic.Int64
}

// Next returns a new id.
func (g *SequentialIDs) Next() int64 {
	return g.n.Add(1)
}

// Log is the ordered, append-only conversation history. Only prompts are
// ever removed.
type Log struct {
	mu   sync.RWMutex
	ids  IDGenerator
	msgs []domain.Message
	seen map[int64]struct{}
}

// NewLog creates an empty log. A nil generator falls back to SequentialIDs.
func NewLog(ids IDGenerator) *Log {
	if ids == nil {
		ids = &SequentialIDs{}
	}
	return &Log{ids: ids, seen: make(map[int64]struct{})}
}

// Append stores the message under a fresh id and returns that id.
func (l *Log) Append(m domain.Message) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.ids.Next()
	for {
		if _, dup := l.seen[id]; !dup {
			break
		}
		id = l.ids.Next()
	}
	m.ID = id
	l.seen[id] = struct{}{}
	l.msgs = append(l.msgs, m)
	return id
}

// RemoveWhere deletes every message matching pred and returns how many were removed.
func (l *Log) RemoveWhere(pred func(domain.Message) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.msgs[:0]
	removed := 0
	for _, m := range l.msgs {
		if pred(m) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	// Clear the tail so removed messages are not retained by the backing array.
	for i := len(kept); i < len(l.msgs); i++ {
		l.msgs[i] = domain.Message{}
	}
	l.msgs = kept
	return removed
}

// Find returns the first message matching pred.
func (l *Log) Find(pred func(domain.Message) bool) (domain.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, m := range l.msgs {
		if pred(m) {
			return m, true
		}
	}
	return domain.Message{}, false
}

// All returns a copy of the log in insertion order.
func (l *Log) All() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// IsPrompt matches options and CTA prompts.
func IsPrompt(m domain.Message) bool { return m.IsPrompt() }

// HasKind matches messages of the given kind.
func HasKind(kind domain.MessageKind) func(domain.Message) bool {
	return func(m domain.Message) bool { return m.Kind == kind }
}

// HasID matches the message with the given id.
func HasID(id int64) func(domain.Message) bool {
	return func(m domain.Message) bool { return m.ID == id }
}
