package domain

import "time"

const DefaultTranscriptLimit = 500

type ChatMessage struct {
	ID          string    `json:"id"`
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Local       bool      `json:"local"`
}

// Transcript keeps the live session chat in arrival order. It holds at most
// limit messages and drops the oldest first.
type Transcript struct {
	limit    int
	messages []ChatMessage
	seen     map[string]struct{}
}

func NewTranscript(limit int) *Transcript {
	if limit <= 0 {
		limit = DefaultTranscriptLimit
	}
	return &Transcript{limit: limit, seen: make(map[string]struct{})}
}

// Append reports false when a message with the same id is already present.
func (t *Transcript) Append(m ChatMessage) bool {
	if m.ID != "" {
		if _, ok := t.seen[m.ID]; ok {
			return false
		}
		t.seen[m.ID] = struct{}{}
	}
	t.messages = append(t.messages, m)
	if over := len(t.messages) - t.limit; over > 0 {
		for _, old := range t.messages[:over] {
			delete(t.seen, old.ID)
		}
		t.messages = append([]ChatMessage(nil), t.messages[over:]...)
	}
	return true
}

func (t *Transcript) Len() int { return len(t.messages) }

func (t *Transcript) Messages() []ChatMessage {
	out := make([]ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}
