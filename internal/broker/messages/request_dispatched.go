package messages

import "time"

// RequestDispatched is the enqueue signal intake publishes after the durable
// write. The worker only needs the id; carrier is carried for log context.
type RequestDispatched struct {
	RequestID  string    `json:"request_id"`
	Carrier    string    `json:"carrier"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
