package domain

// Message is one conversational turn.
//
// StreamID is set only while assistant content is still arriving through push
// events; clearing it finalizes the message. IsStreaming mirrors it.
type Message struct {
	Role        Role   `json:"role"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"createdAt"` // logical tick, not wall clock
	StreamID    string `json:"streamId,omitempty"`
	IsStreaming bool   `json:"isStreaming,omitempty"`
}

// Streaming reports whether the message is still receiving content.
func (m Message) Streaming() bool {
	return m.StreamID != ""
}

// Conversation is a titled thread of messages.
type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Prompt is a reusable prompt template. Text may contain ${name} variables.
type Prompt struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Cost is the running spend for the current month.
type Cost struct {
	Amount float64  `json:"amount"`
	Unit   CostUnit `json:"unit"`
}
