package fal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/scene-rooms/internal/pipeline"
	"github.com/npezzotti/scene-rooms/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue mimics the fal queue: a submission is reported IN_QUEUE and
// IN_PROGRESS once each before it completes with result.
type fakeQueue struct {
	t      *testing.T
	srv    *httptest.Server
	result any

	mu       sync.Mutex
	model    string
	input    map[string]any
	auth     string
	polls    int
	status   []string
	submitSC int
}

func newFakeQueue(t *testing.T, result any) *fakeQueue {
	q := &fakeQueue{t: t, result: result, status: []string{statusInQueue, statusInProgress, statusCompleted}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /requests/abc/status", func(w http.ResponseWriter, r *http.Request) {
		q.mu.Lock()
		st := q.status[min(q.polls, len(q.status)-1)]
		q.polls++
		q.mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"status": st})
	})
	mux.HandleFunc("GET /requests/abc", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(q.result)
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		q.mu.Lock()
		q.model = r.URL.Path[1:]
		q.auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q.input))
		sc := q.submitSC
		q.mu.Unlock()

		if sc != 0 {
			http.Error(w, "rate limited", sc)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"request_id":   "abc",
			"status_url":   q.srv.URL + "/requests/abc/status",
			"response_url": q.srv.URL + "/requests/abc",
		})
	})

	q.srv = httptest.NewServer(mux)
	t.Cleanup(q.srv.Close)
	return q
}

func (q *fakeQueue) client(t *testing.T) *Client {
	return NewClient(testutil.TestLogger(t), Config{
		Key:          "secret",
		QueueURL:     q.srv.URL,
		PollInterval: time.Millisecond,
	})
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(testutil.TestLogger(t), Config{Key: " k "})

	assert.Equal(t, "k", c.cfg.Key)
	assert.Equal(t, DefaultQueueURL, c.cfg.QueueURL)
	assert.Equal(t, DefaultPollInterval, c.cfg.PollInterval)
	assert.Equal(t, defaultHTTPTimeout, c.httpClient.Timeout)

	custom := &http.Client{}
	c = NewClient(testutil.TestLogger(t), Config{QueueURL: "http://q/"}, WithHTTPClient(custom))
	assert.Same(t, custom, c.httpClient)
	assert.Equal(t, "http://q", c.cfg.QueueURL)
}

func TestComposeImage(t *testing.T) {
	q := newFakeQueue(t, map[string]any{
		"images": []map[string]string{{"url": "https://cdn/out.png"}},
	})

	url, err := q.client(t).ComposeImage(context.Background(), pipeline.ImageRequest{
		Prompt:       "Place the character into the scene",
		ImageUrls:    []string{"char", "scene"},
		AspectRatio:  "16:9",
		OutputFormat: "png",
		Resolution:   "1K",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/out.png", url)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, ModelImageEdit, q.model)
	assert.Equal(t, "Key secret", q.auth)
	assert.Equal(t, "Place the character into the scene", q.input["prompt"])
	assert.Equal(t, []any{"char", "scene"}, q.input["image_urls"])
	assert.Equal(t, "16:9", q.input["aspect_ratio"])
	assert.Equal(t, "png", q.input["output_format"])
	assert.Equal(t, "1K", q.input["resolution"])
	assert.Equal(t, 3, q.polls)
}

func TestAnimateImage(t *testing.T) {
	q := newFakeQueue(t, map[string]any{"video": map[string]string{"url": "https://cdn/clip.mp4"}})

	url, err := q.client(t).AnimateImage(context.Background(), pipeline.VideoRequest{
		Prompt:     "walk",
		ImageUrl:   "https://cdn/out.png",
		Duration:   6,
		Resolution: "720p",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/clip.mp4", url)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, ModelImageToVideo, q.model)
	assert.Equal(t, "https://cdn/out.png", q.input["image_url"])
	assert.EqualValues(t, 6, q.input["duration"])
	assert.Equal(t, "720p", q.input["resolution"])
}

func TestMergeVideos(t *testing.T) {
	q := newFakeQueue(t, map[string]any{"video": map[string]string{"url": "https://cdn/merged.mp4"}})

	url, err := q.client(t).MergeVideos(context.Background(), pipeline.MergeRequest{
		VideoUrls:  []string{"a.mp4", "b.mp4"},
		Resolution: "landscape_16_9",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/merged.mp4", url)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, ModelMergeVideos, q.model)
	assert.Equal(t, []any{"a.mp4", "b.mp4"}, q.input["video_urls"])
	assert.Equal(t, "landscape_16_9", q.input["resolution"])
}

func TestNoOutput(t *testing.T) {
	tcases := []struct {
		name string
		call func(c *Client) (string, error)
	}{
		{"image", func(c *Client) (string, error) {
			return c.ComposeImage(context.Background(), pipeline.ImageRequest{})
		}},
		{"video", func(c *Client) (string, error) {
			return c.AnimateImage(context.Background(), pipeline.VideoRequest{})
		}},
		{"merge", func(c *Client) (string, error) {
			return c.MergeVideos(context.Background(), pipeline.MergeRequest{})
		}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			q := newFakeQueue(t, map[string]any{})
			url, err := tc.call(q.client(t))
			assert.ErrorIs(t, err, pipeline.ErrNoOutput)
			assert.Empty(t, url)
		})
	}
}

func TestRun_Errors(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		c := NewClient(testutil.TestLogger(t), Config{})
		err := c.Run(context.Background(), ModelImageEdit, struct{}{}, &struct{}{})
		assert.ErrorContains(t, err, "api key required")
	})

	t.Run("submit rejected", func(t *testing.T) {
		q := newFakeQueue(t, nil)
		q.submitSC = http.StatusTooManyRequests

		_, err := q.client(t).ComposeImage(context.Background(), pipeline.ImageRequest{})
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
		assert.Contains(t, se.Error(), "rate limited")
	})

	t.Run("unexpected status", func(t *testing.T) {
		q := newFakeQueue(t, nil)
		q.status = []string{"FAILED"}

		_, err := q.client(t).AnimateImage(context.Background(), pipeline.VideoRequest{})
		assert.ErrorContains(t, err, `unexpected status "FAILED"`)
	})

	t.Run("context cancelled while queued", func(t *testing.T) {
		q := newFakeQueue(t, nil)
		q.status = []string{statusInQueue}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := q.client(t).MergeVideos(ctx, pipeline.MergeRequest{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
