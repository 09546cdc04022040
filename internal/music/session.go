package music

import (
	"context"

	"github.com/npezzotti/scene-rooms/internal/types"
)

const (
	DefaultTemperature = 1.0
	AudioFormat        = "pcm16"
	SampleRateHz       = 48000
)

// Callbacks receive events from a live session. They may be invoked from
// the session's own goroutine. Any of them may be nil.
type Callbacks struct {
	// OnAudio receives one base64 encoded PCM chunk.
	OnAudio          func(data string)
	OnFilteredPrompt func(text, reason string)
	OnError          func(err error)
	OnClose          func(code int, reason string)
}

// Session is a live connection to the music generation service.
type Session interface {
	SetWeightedPrompts(ctx context.Context, prompts []types.WeightedPrompt) error
	SetConfig(ctx context.Context, cfg GenerationConfig) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	ResetContext(ctx context.Context) error
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, cb Callbacks) (Session, error)
}

// GenerationConfig is the configuration pushed to the service.
type GenerationConfig struct {
	Temperature  float64  `json:"temperature"`
	AudioFormat  string   `json:"audioFormat"`
	SampleRateHz int      `json:"sampleRateHz"`
	Bpm          *int     `json:"bpm,omitempty"`
	Density      *float64 `json:"density,omitempty"`
	Brightness   *float64 `json:"brightness,omitempty"`
	Scale        string   `json:"scale,omitempty"`
}

func NewGenerationConfig(c types.MusicConfig) GenerationConfig {
	gc := GenerationConfig{
		Temperature:  DefaultTemperature,
		AudioFormat:  AudioFormat,
		SampleRateHz: SampleRateHz,
		Bpm:          c.Bpm,
		Density:      c.Density,
		Brightness:   c.Brightness,
		Scale:        c.Scale,
	}
	if c.Temperature != nil {
		gc.Temperature = *c.Temperature
	}
	return gc
}
