package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
)

// HTTPConfig configures the provider REST client
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	// SubmitTimeout is used for render submission, which the provider answers slower
	SubmitTimeout time.Duration
	Dimension     Dimension
}

// Dimension is the output resolution requested from the provider
type Dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// HTTPClient is the REST implementation of Client
type HTTPClient struct {
	baseURL string
	http    *http.Client
	config  HTTPConfig
	logger  *slog.Logger
}

// NewHTTPClient creates a provider client against cfg.BaseURL
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 2 * cfg.Timeout
	}
	if cfg.Dimension.Width == 0 || cfg.Dimension.Height == 0 {
		cfg.Dimension = Dimension{Width: 720, Height: 1280}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{},
		config:  cfg,
		logger:  logger,
	}
}

type generateRequest struct {
	VideoInputs []videoInput `json:"video_inputs"`
	Dimension   Dimension    `json:"dimension"`
	Title       string       `json:"title,omitempty"`
	CallbackID  string       `json:"callback_id,omitempty"`
	CallbackURL string       `json:"callback_url,omitempty"`
}

type videoInput struct {
	Character character `json:"character"`
	Voice     voice     `json:"voice"`
}

type character struct {
	Type        string `json:"type"`
	AvatarID    string `json:"avatar_id"`
	AvatarStyle string `json:"avatar_style"`
}

type voice struct {
	Type      string `json:"type"`
	InputText string `json:"input_text"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type generateData struct {
	VideoID string `json:"video_id"`
}

type statusData struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	VideoURL     string   `json:"video_url"`
	ThumbnailURL string   `json:"thumbnail_url"`
	Duration     float64  `json:"duration"`
	Error        *apiFail `json:"error"`
}

type apiFail struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// Submit starts a render and returns the provider's video id
func (c *HTTPClient) Submit(ctx context.Context, sub domain.Submission) (string, error) {
	body := generateRequest{
		VideoInputs: []videoInput{{
			Character: character{Type: "avatar", AvatarID: sub.AvatarID, AvatarStyle: "normal"},
			Voice:     voice{Type: "text", InputText: sub.Script},
		}},
		Dimension:   c.config.Dimension,
		Title:       sub.Title,
		CallbackID:  sub.JobID,
		CallbackURL: sub.CallbackURL,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", domain.NewPermanentProviderError("submit", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.SubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/video/generate", bytes.NewReader(payload))
	if err != nil {
		return "", domain.NewPermanentProviderError("submit", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var data generateData
	if err := c.do(req, sub.ProviderAPIKey, "submit", &data); err != nil {
		return "", err
	}
	if data.VideoID == "" {
		return "", domain.NewPermanentProviderError("submit", errors.New("response carried no video_id"))
	}

	c.logger.Info("Render submitted to provider",
		slog.String("job_id", sub.JobID),
		slog.String("video_id", data.VideoID),
	)
	return data.VideoID, nil
}

// Status queries the provider for one video
func (c *HTTPClient) Status(ctx context.Context, apiKey, externalJobID string) (*domain.VideoStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	endpoint := c.baseURL + "/v1/video_status.get?" + url.Values{"video_id": {externalJobID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewPermanentProviderError("status", err)
	}

	var data statusData
	if err := c.do(req, apiKey, "status", &data); err != nil {
		return nil, err
	}

	status := &domain.VideoStatus{
		ExternalJobID: externalJobID,
		Status:        domain.ParseProviderStatus(data.Status),
		RawStatus:     data.Status,
		Result: domain.JobResult{
			VideoURL:        data.VideoURL,
			ThumbnailURL:    data.ThumbnailURL,
			DurationSeconds: data.Duration,
		},
	}
	if data.Error != nil {
		status.ErrorMessage = data.Error.Message
		if status.ErrorMessage == "" {
			status.ErrorMessage = data.Error.Detail
		}
	}
	return status, nil
}

// do sends req and decodes the envelope's data into out. Transport errors,
// 429 and 5xx are retryable; other non-2xx answers are not.
func (c *HTTPClient) do(req *http.Request, apiKey, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewProviderError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewProviderError(op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.NewProviderError(op, err)
		}
		return domain.NewPermanentProviderError(op, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.NewPermanentProviderError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		msg := env.Message
		if msg == "" && len(env.Error) > 0 {
			msg = string(env.Error)
		}
		return domain.NewPermanentProviderError(op, fmt.Errorf("empty response data: %s", truncate(msg, 200)))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return domain.NewPermanentProviderError(op, fmt.Errorf("failed to decode response data: %w", err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
