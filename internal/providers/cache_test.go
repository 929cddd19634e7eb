package providers

import (
	"errors"
	"sync"
	"testing"
)

func TestClientCacheReusesIdenticalConfigs(t *testing.T) {
	t.Parallel()

	cache := NewClientCache()
	cfg := Config{APIKey: "k", BaseURL: "https://api.openai.com/v1"}

	first, err := cache.GetOrCreate("openai", cfg)
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	second, err := cache.GetOrCreate("OpenAI", cfg)
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if first != second {
		t.Fatal("expected the same client for identical provider configs")
	}

	other, err := cache.GetOrCreate("openai", Config{APIKey: "k2", BaseURL: cfg.BaseURL})
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if other == first {
		t.Fatal("expected a distinct client for a different api key")
	}
	if got := cache.Len(); got != 2 {
		t.Fatalf("Len()=%d, want 2", got)
	}
}

func TestClientCacheDoesNotCacheConfigurationErrors(t *testing.T) {
	t.Parallel()

	cache := NewClientCache()
	_, err := cache.GetOrCreate("anthropic", Config{BaseURL: "https://api.anthropic.com/v1"})
	var configErr *ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("error=%v, want *ConfigurationError", err)
	}
	if got := cache.Len(); got != 0 {
		t.Fatalf("Len()=%d, want 0", got)
	}
}

func TestClientCacheConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	cache := NewClientCache()
	cfg := Config{APIKey: "k", BaseURL: "http://localhost:11434/v1"}

	const workers = 32
	results := make([]*Client, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, err := cache.GetOrCreate("ollama", cfg)
			if err != nil {
				t.Errorf("GetOrCreate() error: %v", err)
				return
			}
			results[i] = client
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatalf("worker %d got a different client", i)
		}
	}
	if got := cache.Len(); got != 1 {
		t.Fatalf("Len()=%d, want 1", got)
	}
}
