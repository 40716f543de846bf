package suggest

import (
	"fmt"
	"log/slog"
	"net/http"

	"teamwire/internal/domain"
)

// CompleterConfig names the completers to chain, in order.
type CompleterConfig struct {
	Providers []string // "server", "openai"
	OpenAI    OpenAIConfig
}

// NewCompleter builds the configured completer chain. A single provider is
// returned as is; several are wrapped in a Failover.
func NewCompleter(cfg CompleterConfig, server Autocompleter, httpClient *http.Client, logger *slog.Logger) (domain.Completer, error) {
	if len(cfg.Providers) == 0 {
		cfg.Providers = []string{"server"}
	}

	var chain []domain.Completer
	for _, name := range cfg.Providers {
		switch name {
		case "server":
			if server == nil {
				return nil, fmt.Errorf("completer %q needs the server client", name)
			}
			chain = append(chain, NewServer(server))
		case "openai":
			oc := cfg.OpenAI
			if oc.HTTPClient == nil {
				oc.HTTPClient = httpClient
			}
			oc.Logger = logger
			chain = append(chain, NewOpenAI(oc))
		default:
			return nil, fmt.Errorf("unknown completer %q", name)
		}
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return NewFailover(chain, logger), nil
}
