package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
)

// HTTPClient is a Transcriber backed by an external speech-to-text HTTP
// service. Outbound calls are token-bucket limited since the service bills
// and throttles per request, and failed calls are retried with exponential
// backoff up to Config.MaxRetries.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *logrus.Entry
	closed  bool
}

// NewHTTPClient builds an HTTPClient from cfg, defaulting zero fields from
// DefaultConfig.
func NewHTTPClient(cfg Config) *HTTPClient {
	d := DefaultConfig()
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = d.RequestsPerMinute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}

	rps := float64(cfg.RequestsPerMinute) / 60.0
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: time.Duration(cfg.Timeout * float64(time.Second))},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logrus.WithField("component", "transcribe.http"),
	}
}

func (c *HTTPClient) Transcribe(ctx context.Context, audio []byte) (*Result, error) {
	return c.TranscribeWithContext(ctx, audio, Options{Language: "auto"})
}

func (c *HTTPClient) TranscribeWithContext(ctx context.Context, audio []byte, opts Options) (*Result, error) {
	var lastErr error
	backoff := 250 * time.Millisecond

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, coreerr.Wrap("transcribe.http.retry", coreerr.KindExternalAPI, "transcribe", ctx.Err())
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, coreerr.Wrap("transcribe.http.ratelimit", coreerr.KindRateLimited, "transcribe", err)
		}

		result, err := c.call(ctx, audio, opts)
		if err == nil {
			return result, nil
		}

		lastErr = err
		c.logger.WithError(err).WithField("attempt", attempt+1).Warn("transcription request failed, retrying")
	}

	return nil, coreerr.Wrap("transcribe.http", coreerr.KindExternalAPI, "transcribe", lastErr)
}

func (c *HTTPClient) call(ctx context.Context, audio []byte, opts Options) (*Result, error) {
	reqBody := struct {
		Audio            []byte   `json:"audio"`
		OverlapAudio     []byte   `json:"overlap_audio,omitempty"`
		PreviousContext  string   `json:"previous_context,omitempty"`
		Language         string   `json:"language,omitempty"`
		MaxAlternatives  int      `json:"max_alternatives,omitempty"`
		EnableTimestamps bool     `json:"enable_timestamps,omitempty"`
		CustomVocabulary []string `json:"custom_vocabulary,omitempty"`
		Temperature      float64  `json:"temperature,omitempty"`
	}{
		Audio:            audio,
		OverlapAudio:     opts.OverlapAudio,
		PreviousContext:  opts.PreviousContext,
		Language:         opts.Language,
		MaxAlternatives:  opts.MaxAlternatives,
		EnableTimestamps: opts.EnableTimestamps,
		CustomVocabulary: opts.CustomVocabulary,
		Temperature:      opts.Temperature,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, coreerr.New("transcribe.http.call", coreerr.KindRateLimited, "transcribe", "backend returned 429")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *HTTPClient) IsReady() bool {
	return !c.closed && c.cfg.Endpoint != ""
}

func (c *HTTPClient) Close() error {
	c.closed = true
	c.http.CloseIdleConnections()
	return nil
}
