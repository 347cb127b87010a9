package session

import (
	"fmt"
	"sync"
)

// Log is the append-only, ordered, parent-linked message sequence for a
// single session. It is the single source of truth for "what did we say";
// the LLM-facing conversation is derived from it via Materialize.
//
// Thread-safe: a single writer appends, many readers may list concurrently.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	byUUID   map[string]int // uuid -> index into messages
}

// NewLog creates an empty message log.
func NewLog() *Log {
	return &Log{byUUID: make(map[string]int)}
}

// Append adds a message to the tail of the log. Returns an error if a
// message with the same UUID already exists (the log never rewrites
// history in place).
func (l *Log) Append(m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byUUID[m.UUID]; exists {
		return fmt.Errorf("session: message %s already appended", m.UUID)
	}
	l.byUUID[m.UUID] = len(l.messages)
	l.messages = append(l.messages, m)
	return nil
}

// List returns every message in append order. The returned slice is a copy;
// callers may not mutate the log through it.
func (l *Log) List() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Lookup finds a message by UUID.
func (l *Log) Lookup(uuid string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byUUID[uuid]
	if !ok {
		return Message{}, false
	}
	return l.messages[idx], true
}

// Len reports the number of messages in the log, including metadata kinds.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// GetChainFrom follows ParentUUID pointers backwards from uuid and returns
// the chain in chronological order (oldest first), including uuid itself.
// lookupParent is consulted when the chain crosses into a parent session
// (sidechains); pass nil if the log never branches.
func (l *Log) GetChainFrom(uuid string, lookupParent func(uuid string) (Message, bool)) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var reversed []Message
	cur, ok := uuid, true
	var msg Message
	for ok {
		if idx, local := l.byUUID[cur]; local {
			msg = l.messages[idx]
		} else if lookupParent != nil {
			msg, ok = lookupParent(cur)
			if !ok {
				break
			}
		} else {
			break
		}
		reversed = append(reversed, msg)
		if msg.ParentUUID == "" {
			break
		}
		cur = msg.ParentUUID
	}

	out := make([]Message, len(reversed))
	for i, m := range reversed {
		out[len(reversed)-1-i] = m
	}
	return out
}

// Materialize derives the LLM-facing conversation from the log: metadata
// kinds are dropped, order is preserved, assistant/tool_result pairing is
// left intact for the caller (the execution loop owns translating these
// into provider-specific wire messages).
func (l *Log) Materialize() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, 0, len(l.messages))
	for _, m := range l.messages {
		if m.Kind.IsMetadata() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// MessageCount returns the number of non-metadata messages, matching the
// SessionMetadata.message_count contract (metadata-only messages never
// count).
func (l *Log) MessageCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, m := range l.messages {
		if !m.Kind.IsMetadata() {
			n++
		}
	}
	return n
}

// ValidateToolPairing checks invariant 2 (spec §8): every tool_result's
// call_id matches an earlier assistant message's tool_calls[].id in this
// log (or, for a sidechain, in the supplied parent log).
func (l *Log) ValidateToolPairing(parent *Log) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := map[string]bool{}
	for _, m := range l.messages {
		if m.Kind == KindAssistant {
			for _, tc := range m.ToolCalls {
				seen[tc.ID] = true
			}
			continue
		}
		if m.Kind != KindToolResult {
			continue
		}
		for _, tr := range m.ToolResults {
			if seen[tr.CallID] {
				continue
			}
			if parent != nil {
				if _, ok := parentHasCall(parent, tr.CallID); ok {
					continue
				}
			}
			return fmt.Errorf("session: tool_result %s has no matching prior tool_call", tr.CallID)
		}
	}
	return nil
}

func parentHasCall(parent *Log, callID string) (Message, bool) {
	for _, m := range parent.List() {
		if m.Kind != KindAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == callID {
				return m, true
			}
		}
	}
	return Message{}, false
}
