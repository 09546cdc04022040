// Package fal talks to the fal.ai queue API for image composition, image to
// video animation and video merging.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/scene-rooms/internal/pipeline"
)

const (
	DefaultQueueURL     = "https://queue.fal.run"
	DefaultPollInterval = time.Second

	ModelImageEdit    = "fal-ai/nano-banana-2/edit"
	ModelImageToVideo = "xai/grok-imagine-video/image-to-video"
	ModelMergeVideos  = "fal-ai/ffmpeg-api/merge-videos"

	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 1024

	statusInQueue    = "IN_QUEUE"
	statusInProgress = "IN_PROGRESS"
	statusCompleted  = "COMPLETED"
)

type Config struct {
	Key          string
	QueueURL     string
	PollInterval time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// Client submits requests to the fal queue and waits for their results.
// It implements the pipeline service contracts.
type Client struct {
	log        *log.Logger
	cfg        Config
	httpClient *http.Client
}

var (
	_ pipeline.ImageComposer = (*Client)(nil)
	_ pipeline.VideoAnimator = (*Client)(nil)
	_ pipeline.VideoMerger   = (*Client)(nil)
)

func NewClient(logger *log.Logger, cfg Config, opts ...Option) *Client {
	cfg.Key = strings.TrimSpace(cfg.Key)
	cfg.QueueURL = strings.TrimRight(strings.TrimSpace(cfg.QueueURL), "/")
	if cfg.QueueURL == "" {
		cfg.QueueURL = DefaultQueueURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	c := &Client{
		log:        logger,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// StatusError is returned when the queue answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fal: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

type queueSubmission struct {
	RequestId   string `json:"request_id"`
	StatusUrl   string `json:"status_url"`
	ResponseUrl string `json:"response_url"`
}

type queueStatus struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
}

type file struct {
	Url string `json:"url"`
}

type imageEditInput struct {
	Prompt       string   `json:"prompt"`
	ImageUrls    []string `json:"image_urls"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	Resolution   string   `json:"resolution,omitempty"`
	NumImages    int      `json:"num_images"`
}

type imageEditOutput struct {
	Images []file `json:"images"`
}

type imageToVideoInput struct {
	Prompt     string `json:"prompt"`
	ImageUrl   string `json:"image_url"`
	Duration   int    `json:"duration,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

type mergeVideosInput struct {
	VideoUrls  []string `json:"video_urls"`
	Resolution string   `json:"resolution,omitempty"`
}

type videoOutput struct {
	Video *file `json:"video"`
}

func (c *Client) ComposeImage(ctx context.Context, req pipeline.ImageRequest) (string, error) {
	var out imageEditOutput
	err := c.Run(ctx, ModelImageEdit, imageEditInput{
		Prompt:       req.Prompt,
		ImageUrls:    req.ImageUrls,
		AspectRatio:  req.AspectRatio,
		OutputFormat: req.OutputFormat,
		Resolution:   req.Resolution,
		NumImages:    1,
	}, &out)
	if err != nil {
		return "", err
	}

	if len(out.Images) == 0 || out.Images[0].Url == "" {
		return "", pipeline.ErrNoOutput
	}
	return out.Images[0].Url, nil
}

func (c *Client) AnimateImage(ctx context.Context, req pipeline.VideoRequest) (string, error) {
	var out videoOutput
	err := c.Run(ctx, ModelImageToVideo, imageToVideoInput{
		Prompt:     req.Prompt,
		ImageUrl:   req.ImageUrl,
		Duration:   req.Duration,
		Resolution: req.Resolution,
	}, &out)
	if err != nil {
		return "", err
	}

	if out.Video == nil || out.Video.Url == "" {
		return "", pipeline.ErrNoOutput
	}
	return out.Video.Url, nil
}

func (c *Client) MergeVideos(ctx context.Context, req pipeline.MergeRequest) (string, error) {
	var out videoOutput
	err := c.Run(ctx, ModelMergeVideos, mergeVideosInput{
		VideoUrls:  req.VideoUrls,
		Resolution: req.Resolution,
	}, &out)
	if err != nil {
		return "", err
	}

	if out.Video == nil || out.Video.Url == "" {
		return "", pipeline.ErrNoOutput
	}
	return out.Video.Url, nil
}

// Run submits input to model, polls until the request completes and decodes
// the result into out.
func (c *Client) Run(ctx context.Context, model string, input, out any) error {
	if c.cfg.Key == "" {
		return fmt.Errorf("fal %s: api key required", model)
	}

	var sub queueSubmission
	if err := c.do(ctx, http.MethodPost, c.cfg.QueueURL+"/"+model, input, &sub); err != nil {
		return fmt.Errorf("fal %s: submit: %w", model, err)
	}
	if sub.StatusUrl == "" || sub.ResponseUrl == "" {
		return fmt.Errorf("fal %s: submit: missing queue urls", model)
	}
	c.log.Printf("fal: submitted %s request %s", model, sub.RequestId)

	if err := c.wait(ctx, sub.StatusUrl); err != nil {
		return fmt.Errorf("fal %s: request %s: %w", model, sub.RequestId, err)
	}

	if err := c.do(ctx, http.MethodGet, sub.ResponseUrl, nil, out); err != nil {
		return fmt.Errorf("fal %s: request %s: result: %w", model, sub.RequestId, err)
	}
	c.log.Printf("fal: completed %s request %s", model, sub.RequestId)

	return nil
}

func (c *Client) wait(ctx context.Context, statusUrl string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var st queueStatus
		if err := c.do(ctx, http.MethodGet, statusUrl, nil, &st); err != nil {
			return fmt.Errorf("status: %w", err)
		}

		switch st.Status {
		case statusCompleted:
			return nil
		case statusInQueue, statusInProgress:
		default:
			return fmt.Errorf("unexpected status %q", st.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+c.cfg.Key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
