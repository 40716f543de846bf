package domain

import "context"

// Sender delivers envelopes over the transport channel.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// Connectivity is the read side of the process-wide connection state.
type Connectivity interface {
	Connected() bool
	// Subscribe registers fn for state changes and returns a cancel func.
	Subscribe(fn func(connected bool)) (cancel func())
}

// CompletionRequest is the input of a suggestion backend.
type CompletionRequest struct {
	PartialMessage string `json:"partialMessage"`
	Context        string `json:"context"`
}

// Completer is a best-effort suggestion backend.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
