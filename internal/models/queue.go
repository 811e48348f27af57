package models

// QueuedMutation is a write request captured while the network was
// unavailable. Key is assigned by the queue store on append and is not
// part of the stored record.
type QueuedMutation struct {
	Key       uint64            `json:"-"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      *string           `json:"body,omitempty"`
	Timestamp int64             `json:"timestamp"`
}
