// Package store holds the in-memory message lists the client renders from.
package store

import "github.com/xiaot623/gogo/mimir/internal/domain"

// List is an immutable, ordered view of one conversation's messages.
//
// Every operation returns a new List and leaves the receiver untouched, so a
// List handed to a reader never changes underneath it.
type List struct {
	items []domain.Message
}

// NewList builds a List from items. The slice is copied.
func NewList(items ...domain.Message) List {
	return List{items: clone(items, 0)}
}

// Append returns a new List with msgs added at the end.
func (l List) Append(msgs ...domain.Message) List {
	if len(msgs) == 0 {
		return l
	}
	items := clone(l.items, len(msgs))
	items = append(items, msgs...)
	return List{items: items}
}

// ApplyChunk folds one stream event into the message carrying streamID.
//
// If no message carries streamID the receiver is returned unchanged with
// applied == false. A terminal event clears the stream id and ignores chunk.
// Otherwise chunk is appended to the content.
func (l List) ApplyChunk(streamID, chunk string, terminal bool) (next List, applied bool) {
	idx := l.index(streamID)
	if idx < 0 {
		return l, false
	}

	items := clone(l.items, 0)
	msg := items[idx]
	if terminal {
		msg.StreamID = ""
		msg.IsStreaming = false
	} else {
		msg.Content += chunk
		msg.IsStreaming = true
	}
	items[idx] = msg
	return List{items: items}, true
}

// Replace returns a List holding exactly items, discarding the receiver.
// IsStreaming is normalized to mirror StreamID.
func (l List) Replace(items []domain.Message) List {
	next := clone(items, 0)
	for i := range next {
		next[i].IsStreaming = next[i].StreamID != ""
	}
	return List{items: next}
}

// Items returns a copy of the messages in order.
func (l List) Items() []domain.Message {
	return clone(l.items, 0)
}

// Len returns the number of messages.
func (l List) Len() int {
	return len(l.items)
}

// At returns the i-th message.
func (l List) At(i int) domain.Message {
	return l.items[i]
}

// Find returns the message carrying streamID.
func (l List) Find(streamID string) (domain.Message, bool) {
	idx := l.index(streamID)
	if idx < 0 {
		return domain.Message{}, false
	}
	return l.items[idx], true
}

// Streaming returns the stream ids of all messages still receiving content.
func (l List) Streaming() []string {
	var ids []string
	for _, m := range l.items {
		if m.Streaming() {
			ids = append(ids, m.StreamID)
		}
	}
	return ids
}

// HasStreaming reports whether any message is still receiving content.
func (l List) HasStreaming() bool {
	for _, m := range l.items {
		if m.Streaming() {
			return true
		}
	}
	return false
}

func (l List) index(streamID string) int {
	if streamID == "" {
		return -1
	}
	for i, m := range l.items {
		if m.StreamID == streamID {
			return i
		}
	}
	return -1
}

func clone(items []domain.Message, extra int) []domain.Message {
	if len(items) == 0 && extra == 0 {
		return nil
	}
	out := make([]domain.Message, len(items), len(items)+extra)
	copy(out, items)
	return out
}
