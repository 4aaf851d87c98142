package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// LocalProvider runs against an Ollama daemon through its OpenAI-compatible
// endpoint. It is only added to the fallback chain after a TCP probe
// confirms the daemon is reachable.
type LocalProvider struct {
	*OpenAIProvider
	baseURL string
	client  *http.Client
}

// NewLocalProvider creates a local provider for the given Ollama base URL
// (e.g. "http://localhost:11434").
func NewLocalProvider(baseURL, defaultModel string) *LocalProvider {
	baseURL = strings.TrimRight(baseURL, "/")
	return &LocalProvider{
		OpenAIProvider: NewOpenAIProvider("local", "", baseURL+"/v1", defaultModel),
		baseURL:        baseURL,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
}

// Probe checks daemon reachability with a short TCP dial.
func (p *LocalProvider) Probe() bool {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return false
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":11434"
	}
	conn, err := net.DialTimeout("tcp", host, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// InstalledModel describes one locally installed model.
type InstalledModel struct {
	Name string
	Size int64
}

// ListModels returns installed models sorted largest first. Tier mapping
// derives from this ordering: largest model serves elite, smallest utility.
func (p *LocalProvider) ListModels(ctx context.Context) ([]InstalledModel, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("local: create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local: list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Status: resp.StatusCode, Body: "local: list models failed"}
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("local: decode tags: %w", err)
	}

	models := make([]InstalledModel, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, InstalledModel{Name: m.Name, Size: m.Size})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Size > models[j].Size })
	return models, nil
}

// TierModels maps installed models onto the three capability tiers.
// With a single model installed, all tiers share it.
func (p *LocalProvider) TierModels(ctx context.Context) (elite, specialist, utility string, err error) {
	models, err := p.ListModels(ctx)
	if err != nil || len(models) == 0 {
		if err == nil {
			err = fmt.Errorf("local: no models installed")
		}
		return "", "", "", err
	}

	elite = models[0].Name
	utility = models[len(models)-1].Name
	specialist = models[len(models)/2].Name
	return elite, specialist, utility, nil
}
