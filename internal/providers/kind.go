package providers

import (
	"net/http"
	"strings"
)

// Kind is the closed set of provider shapes the resolver knows about. Every
// provider speaks the OpenAI-compatible contract; the kind only decides which
// extra headers the client carries.
type Kind int

const (
	KindOther Kind = iota
	KindOpenAI
	KindAnthropic
	KindOllama
)

const anthropicVersion = "2023-06-01"

func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return KindOpenAI
	case "anthropic":
		return KindAnthropic
	case "ollama":
		return KindOllama
	default:
		return KindOther
	}
}

func (k Kind) String() string {
	switch k {
	case KindOpenAI:
		return "openai"
	case KindAnthropic:
		return "anthropic"
	case KindOllama:
		return "ollama"
	default:
		return "other"
	}
}

// Headers returns the headers a client of this kind adds to every upstream
// request. Anthropic's OpenAI-compatible endpoint wants the version header and
// the key repeated as x-api-key; no other kind needs anything extra.
func (k Kind) Headers(apiKey string) http.Header {
	headers := make(http.Header)
	if k == KindAnthropic {
		headers.Set("anthropic-version", anthropicVersion)
		headers.Set("x-api-key", apiKey)
	}
	return headers
}
