// Package lyria connects to the Gemini real-time music generation service
// over its bidirectional websocket API.
package lyria

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/scene-rooms/internal/music"
	"github.com/npezzotti/scene-rooms/internal/types"
)

const (
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateMusic"
	DefaultModel    = "models/lyria-realtime-exp"

	writeWait      = 10 * time.Second
	setupWait      = 15 * time.Second
	maxMessageSize = 8 << 20

	controlPlay         = "PLAY"
	controlPause        = "PAUSE"
	controlStop         = "STOP"
	controlResetContext = "RESET_CONTEXT"
)

var ErrSessionClosed = errors.New("lyria: session closed")

type Config struct {
	ApiKey   string
	Endpoint string
	Model    string
}

// Connector dials a new websocket session for every Connect call.
type Connector struct {
	log    *log.Logger
	cfg    Config
	dialer *websocket.Dialer
}

var _ music.Connector = (*Connector)(nil)

func NewConnector(logger *log.Logger, cfg Config) *Connector {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	return &Connector{
		log:    logger,
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
	}
}

type setupMessage struct {
	Setup struct {
		Model string `json:"model"`
	} `json:"setup"`
}

type clientContentMessage struct {
	ClientContent struct {
		WeightedPrompts []types.WeightedPrompt `json:"weightedPrompts"`
	} `json:"clientContent"`
}

type configMessage struct {
	MusicGenerationConfig music.GenerationConfig `json:"musicGenerationConfig"`
}

type playbackMessage struct {
	PlaybackControl string `json:"playbackControl"`
}

type filteredPrompt struct {
	Text           string `json:"text"`
	FilteredReason string `json:"filteredReason"`
}

type serverMessage struct {
	SetupComplete *struct{} `json:"setupComplete,omitempty"`
	ServerContent *struct {
		AudioChunks []struct {
			Data     string `json:"data"`
			MimeType string `json:"mimeType"`
		} `json:"audioChunks"`
	} `json:"serverContent,omitempty"`
	FilteredPrompt *filteredPrompt `json:"filteredPrompt,omitempty"`
	Warning        string          `json:"warning,omitempty"`
}

// Connect opens a session and waits for the service to acknowledge setup.
// Callbacks start firing once Connect has returned successfully.
func (c *Connector) Connect(ctx context.Context, cb music.Callbacks) (music.Session, error) {
	if c.cfg.ApiKey == "" {
		return nil, errors.New("lyria: api key required")
	}

	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("lyria: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", c.cfg.ApiKey)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("lyria: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	s := &session{
		conn: conn,
		cb:   cb,
		log:  c.log,
		done: make(chan struct{}),
	}

	if err := s.handshake(ctx, c.cfg.Model); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

type session struct {
	conn *websocket.Conn
	cb   music.Callbacks
	log  *log.Logger

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	chunks    atomic.Int64
}

func (s *session) handshake(ctx context.Context, model string) error {
	var setup setupMessage
	setup.Setup.Model = model
	if err := s.send(ctx, setup); err != nil {
		return fmt.Errorf("lyria: setup: %w", err)
	}

	deadline := time.Now().Add(setupWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := s.read()
		if err != nil {
			return fmt.Errorf("lyria: awaiting setup: %w", err)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (s *session) read() (*serverMessage, error) {
	// the service sends JSON in both text and binary frames
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Printf("lyria: skipping undecodable message: %v", err)
		return &serverMessage{}, nil
	}
	return &msg, nil
}

func (s *session) readLoop() {
	defer close(s.done)

	for {
		msg, err := s.read()
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.dispatch(msg)
	}
}

func (s *session) dispatch(msg *serverMessage) {
	if msg.FilteredPrompt != nil && s.cb.OnFilteredPrompt != nil {
		s.cb.OnFilteredPrompt(msg.FilteredPrompt.Text, msg.FilteredPrompt.FilteredReason)
	}
	if msg.Warning != "" {
		s.log.Printf("lyria: warning: %s", msg.Warning)
	}
	if msg.ServerContent == nil {
		return
	}

	for _, chunk := range msg.ServerContent.AudioChunks {
		n := s.chunks.Add(1)
		if n == 1 {
			s.log.Printf("lyria: first audio chunk (%s)", chunk.MimeType)
		}
		if s.cb.OnAudio != nil {
			s.cb.OnAudio(chunk.Data)
		}
	}
}

func (s *session) handleReadError(err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		s.log.Printf("lyria: closed by service: %d %s", ce.Code, ce.Text)
		s.onClose(ce.Code, ce.Text)
	case s.closing.Load():
		s.onClose(websocket.CloseNormalClosure, "")
	default:
		s.log.Printf("lyria: read: %v", err)
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
		s.onClose(websocket.CloseAbnormalClosure, err.Error())
	}
}

func (s *session) onClose(code int, reason string) {
	s.log.Printf("lyria: session ended after %d chunks", s.chunks.Load())
	if s.cb.OnClose != nil {
		s.cb.OnClose(code, reason)
	}
}

func (s *session) send(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closing.Load() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

func (s *session) SetWeightedPrompts(ctx context.Context, prompts []types.WeightedPrompt) error {
	var msg clientContentMessage
	msg.ClientContent.WeightedPrompts = prompts
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("lyria: set prompts: %w", err)
	}
	return nil
}

func (s *session) SetConfig(ctx context.Context, cfg music.GenerationConfig) error {
	if err := s.send(ctx, configMessage{MusicGenerationConfig: cfg}); err != nil {
		return fmt.Errorf("lyria: set config: %w", err)
	}
	return nil
}

func (s *session) playback(ctx context.Context, control string) error {
	if err := s.send(ctx, playbackMessage{PlaybackControl: control}); err != nil {
		return fmt.Errorf("lyria: %s: %w", control, err)
	}
	return nil
}

func (s *session) Play(ctx context.Context) error {
	return s.playback(ctx, controlPlay)
}

func (s *session) Pause(ctx context.Context) error {
	return s.playback(ctx, controlPause)
}

func (s *session) ResetContext(ctx context.Context) error {
	return s.playback(ctx, controlResetContext)
}

// Close stops playback, closes the connection and waits for the read loop to
// deliver OnClose. It is safe to call more than once.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if serr := s.playback(ctx, controlStop); serr != nil {
			s.log.Printf("lyria: stop before close: %v", serr)
		}

		s.closing.Store(true)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()

		err = s.conn.Close()

		select {
		case <-s.done:
		case <-time.After(writeWait):
		}
	})
	return err
}
