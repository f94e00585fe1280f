package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// KeySet is the credential bundle served by the key-distribution service.
type KeySet struct {
	Primary struct {
		Token   string `json:"token"`
		WSURL   string `json:"wsUrl"`
		ChatURL string `json:"chatUrl"`
		Model   string `json:"model"`
	} `json:"primary"`
	PoolKeys []struct {
		Provider string   `json:"provider"`
		Token    string   `json:"token"`
		Models   []string `json:"models"`
	} `json:"poolKeys"`
	LocalFallback struct {
		URL   string `json:"url"`
		Model string `json:"model"`
	} `json:"localFallback"`
}

// KeySource fetches the provider credential set with a cache TTL. The
// router treats the result as read-only configuration, refreshed out of
// band; it never writes back.
type KeySource struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     *logger.Logger

	// static is used when no distribution endpoint is configured.
	static *KeySet

	mu        sync.Mutex
	cached    *KeySet
	fetchedAt time.Time
}

// NewKeySource creates a source backed by the distribution endpoint at url.
func NewKeySource(url string, ttl time.Duration, log *logger.Logger) *KeySource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &KeySource{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.Named("keysource"),
	}
}

// NewStaticKeySource creates a source that always serves the given set.
// Used when keys come from local configuration instead of the service.
func NewStaticKeySource(set KeySet, log *logger.Logger) *KeySource {
	return &KeySource{
		static: &set,
		logger: log.Named("keysource"),
	}
}

// Keys returns the current credential set, re-fetching when the cache has
// expired. A fetch failure falls back to the stale cached set if one exists.
func (k *KeySource) Keys(ctx context.Context) (*KeySet, error) {
	if k.static != nil {
		return k.static, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cached != nil && time.Since(k.fetchedAt) < k.ttl {
		return k.cached, nil
	}

	set, err := k.fetch(ctx)
	if err != nil {
		if k.cached != nil {
			k.logger.Warn("Key refresh failed, serving stale set", logger.Error(err))
			return k.cached, nil
		}
		return nil, err
	}

	k.cached = set
	k.fetchedAt = time.Now()
	return set, nil
}

func (k *KeySource) fetch(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key request: %w", err)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provider keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key service returned %s", resp.Status)
	}

	var set KeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}
	return &set, nil
}

// Profiles converts the credential set into the router's ranked pool.
// The primary ranks first, pool keys follow in order.
func (set *KeySet) Profiles(defaultOpenAIModel, defaultGeminiModel string) []Profile {
	var profiles []Profile

	if set.Primary.Token != "" {
		model := set.Primary.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		profiles = append(profiles, Profile{
			ProviderID: "openai",
			Credential: set.Primary.Token,
			Models:     []string{model},
			Priority:   0,
		})
	}

	for i, key := range set.PoolKeys {
		if key.Token == "" {
			continue
		}
		providerID := key.Provider
		if providerID == "" {
			providerID = "openai"
		}
		models := key.Models
		if len(models) == 0 {
			switch providerID {
			case "gemini":
				models = []string{defaultGeminiModel}
			default:
				models = []string{defaultOpenAIModel}
			}
		}
		profiles = append(profiles, Profile{
			ProviderID: providerID,
			Credential: key.Token,
			Models:     models,
			Priority:   i + 1,
		})
	}

	return profiles
}
