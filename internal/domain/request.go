package domain

// ListConversationsResponse is returned by GET conversations.
type ListConversationsResponse struct {
	Items []Conversation `json:"items"`
}

// CreateConversationRequest is the body of POST conversations.
type CreateConversationRequest struct {
	Message string `json:"message"`
}

// ListMessagesResponse is returned by GET conversations/{id}/messages.
type ListMessagesResponse struct {
	Items []Message `json:"items"`
}

// CreateMessageRequest is the body of POST conversations/{id}/messages.
// StreamID correlates the request with the push events carrying the reply;
// ConnectionID tells the backend which push channel to stream to.
type CreateMessageRequest struct {
	StreamID     string `json:"streamId"`
	Content      string `json:"content"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// CreateMessageResponse is returned by POST conversations/{id}/messages.
type CreateMessageResponse struct {
	CreatedAt int64  `json:"createdAt"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
}

// ListPromptsResponse is returned by GET prompts.
type ListPromptsResponse struct {
	Items []Prompt `json:"items"`
}

// CreatePromptRequest is the body of POST prompts.
type CreatePromptRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// UpdatePromptRequest is the body of PUT prompts/{id}. ID travels in the path.
type UpdatePromptRequest struct {
	ID    string `json:"-"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// ErrorResponse is the JSON error body returned by the backend.
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}
