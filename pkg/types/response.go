package types

// ErrorBody is the JSON shape of every failure response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// SessionBody is returned by the checkout and portal routes.
type SessionBody struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

// WebhookAck acknowledges a webhook delivery.
type WebhookAck struct {
	Received bool `json:"received"`
}
