package config

import (
	"sort"
	"time"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			BaseURL:        "http://localhost:3000/api",
			WebsocketURL:   "ws://localhost:3000/ws",
			RequestTimeout: Duration(30 * time.Second),
		},
		Transport: TransportConfig{
			ReconnectInitial: Duration(time.Second),
			ReconnectMax:     Duration(30 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
			PingInterval:     Duration(30 * time.Second),
		},
		Typing: TypingConfig{
			QuietPeriod: Duration(2 * time.Second),
			PeerTimeout: Duration(5 * time.Second),
		},
		Composer: ComposerConfig{
			MaxAttachmentSize: 10 << 20,
			MaxRows:           8,
		},
		Suggestions: SuggestionsConfig{
			Enabled:         true,
			MinLength:       10,
			Every:           10,
			RatePerMinute:   30,
			Burst:           3,
			Timeout:         Duration(10 * time.Second),
			ContextMessages: 5,
			Providers:       []string{"server"},
			OpenAI: OpenAIConfig{
				APIBase: "http://localhost:11434/v1",
				Model:   "llama3.1:8b",
			},
		},
		Store: StoreConfig{
			DBPath: "~/.teamwire/state.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
