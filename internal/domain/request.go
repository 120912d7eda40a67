package domain

// CreateSessionRequest represents the request to create a session.
type CreateSessionRequest struct {
	Metadata Metadata `json:"metadata,omitempty"`
	TTLHours float64  `json:"ttl_hours,omitempty"`
}

// UpdateMetadataRequest carries a key-level metadata patch.
type UpdateMetadataRequest struct {
	Patch Metadata `json:"patch"`
}

// AppendMessageRequest represents a message to append to a session.
type AppendMessageRequest struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// ExtendSessionRequest extends a session's TTL.
type ExtendSessionRequest struct {
	Hours float64 `json:"hours"`
}

// ShareSessionRequest shares a session with another principal. An empty
// level uses the configured default.
type ShareSessionRequest struct {
	Grantee string `json:"grantee"`
	Level   string `json:"level,omitempty"`
}

// GrantRequest creates or overwrites a grant.
type GrantRequest struct {
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	Grantee      string       `json:"grantee"`
	Level        string       `json:"level"`
}

// CheckAccessResponse is returned by the access check endpoint.
type CheckAccessResponse struct {
	Allowed bool   `json:"allowed"`
	Level   string `json:"level"`
}

// ListSessionsResponse wraps a page of session summaries.
type ListSessionsResponse struct {
	Sessions []Summary `json:"sessions"`
	HasMore  bool      `json:"has_more"`
}

// StreamEvent is pushed to websocket subscribers of a session.
type StreamEvent struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Message   Message `json:"message"`
}

// ErrorResponse is the transport error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
