package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ignite/mailbox-classifier/internal/config"
	"github.com/ignite/mailbox-classifier/internal/pkg/httpretry"
)

// Prediction is the classifier's decision for one message.
type Prediction struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Client talks to the inference server and knows the model's category
// set. Predictions always go through the server; the category set can
// also be read from the label mapping shipped with the model artifacts.
type Client struct {
	baseURL       string
	modelDir      string
	selfAddresses []string
	httpClient    httpretry.HTTPDoer
}

// NewClient creates a classifier client from the model configuration.
func NewClient(cfg config.ModelConfig, selfAddresses []string) *Client {
	base := &http.Client{Timeout: cfg.Timeout()}
	return &Client{
		baseURL:       strings.TrimSuffix(cfg.ServerURL, "/"),
		modelDir:      cfg.Dir,
		selfAddresses: selfAddresses,
		httpClient:    httpretry.NewRetryClient(base, 3),
	}
}

// Predict classifies one message. The features are rendered through the
// shared formatter before they reach the model.
func (c *Client) Predict(ctx context.Context, f *Features) (*Prediction, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("model server URL not configured")
	}

	payload := map[string]string{"input": FormatModelInput(f, c.selfAddresses)}
	body, err := c.doRequest(ctx, http.MethodPost, "/predict", payload)
	if err != nil {
		return nil, err
	}

	var pred Prediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, fmt.Errorf("parsing prediction: %w", err)
	}
	if pred.Category == "" {
		return nil, fmt.Errorf("model returned empty category")
	}
	return &pred, nil
}

// Categories returns the model's category set, sorted. The inference
// server is authoritative; when it cannot answer, the label mapping in
// the model directory is used so jobs keep running through a model
// server restart.
func (c *Client) Categories(ctx context.Context) ([]string, error) {
	if c.baseURL != "" {
		cats, err := c.categoriesFromServer(ctx)
		if err == nil {
			return cats, nil
		}
		if c.modelDir == "" {
			return nil, err
		}
		log.Printf("[Classifier] model server categories unavailable, using local label mapping: %v", err)
	}
	if c.modelDir == "" {
		return nil, fmt.Errorf("neither model server URL nor model dir configured")
	}
	return CategoriesFromLabelMapping(c.modelDir)
}

func (c *Client) categoriesFromServer(ctx context.Context) ([]string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/categories", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing categories: %w", err)
	}
	if len(resp.Categories) == 0 {
		return nil, fmt.Errorf("model returned no categories")
	}
	sort.Strings(resp.Categories)
	return resp.Categories, nil
}

// CategoriesFromLabelMapping reads label_mapping.json, the index-to-label
// map written at training time, and returns the labels sorted.
func CategoriesFromLabelMapping(dir string) ([]string, error) {
	path := filepath.Join(dir, "label_mapping.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading label mapping: %w", err)
	}
	var mapping map[string]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("parsing label mapping: %w", err)
	}
	cats := make([]string, 0, len(mapping))
	for _, label := range mapping {
		cats = append(cats, label)
	}
	sort.Strings(cats)
	return cats, nil
}

// doRequest executes an API request and returns the response body
func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	url := c.baseURL + path

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
