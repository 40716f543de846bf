package suggest

import (
	"context"

	"teamwire/internal/domain"
)

// Autocompleter is the server's autocomplete endpoint.
type Autocompleter interface {
	Autocomplete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// Server completes drafts through the messaging server's /ai/autocomplete.
type Server struct {
	client Autocompleter
}

func NewServer(client Autocompleter) *Server {
	return &Server{client: client}
}

func (s *Server) Name() string { return "server" }

func (s *Server) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	return s.client.Autocomplete(ctx, req)
}
