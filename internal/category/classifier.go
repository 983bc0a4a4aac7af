package category

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shadowsift/shadowsift/internal/logx"
)

const (
	classifierTimeout  = 30 * time.Second
	maxScopesInPrompt  = 20
	defaultModel       = "claude-3-7-sonnet-latest"
	anthropicVersion   = "2023-06-01"
)

// Classifier calls an external natural-language classifier to pick a
// taxonomy category for an application. It is an optional collaborator:
// a zero-value endpoint or API key disables it and Categorize falls back to
// the keyword heuristic immediately.
type Classifier struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewClassifier builds a classifier client. endpoint and apiKey may be empty.
func NewClassifier(endpoint, apiKey, model string) *Classifier {
	if model == "" {
		model = defaultModel
	}
	return &Classifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: classifierTimeout},
	}
}

type classifierRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	Messages  []classifierMessage `json:"messages"`
}

type classifierMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type classifierResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Categorize returns a taxonomy category for the application. The external
// classifier is tried first; on any failure (missing credentials, transport
// error, non-2xx, or a response the taxonomy matcher cannot place) the
// deterministic heuristic decides. Categorize therefore never returns an
// error to its caller.
func (c *Classifier) Categorize(ctx context.Context, name string, scopes []string) string {
	if cat, err := c.classify(ctx, name, scopes); err == nil {
		return cat
	} else if c.apiKey != "" {
		logx.Warnf("classifier failed for %q, using heuristic: %v", name, err)
	}
	return Heuristic(name, scopes)
}

func (c *Classifier) classify(ctx context.Context, name string, scopes []string) (string, error) {
	if c.endpoint == "" || c.apiKey == "" {
		return "", fmt.Errorf("classifier not configured")
	}

	if len(scopes) > maxScopesInPrompt {
		scopes = scopes[:maxScopesInPrompt]
	}

	prompt := fmt.Sprintf(
		"Classify the third-party application below into exactly one of these categories:\n%s\n\nApplication name: %s\nOAuth scopes: %s\n\nRespond with the category name only, nothing else.",
		strings.Join(Taxonomy, "\n"), name, strings.Join(scopes, ", "),
	)

	body, err := json.Marshal(classifierRequest{
		Model:     c.model,
		MaxTokens: 50,
		Messages:  []classifierMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call classifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("classifier returned %d: %s", resp.StatusCode, raw)
	}

	var parsed classifierResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("empty classifier response")
	}

	cat, ok := MatchTaxonomy(text)
	if !ok {
		return "", fmt.Errorf("response %q not in taxonomy", text)
	}
	return cat, nil
}
