package server

import (
	"encoding/json"

	"github.com/npezzotti/scene-rooms/internal/fanout"
)

const (
	EventUpdate        = "update"
	EventFriends       = "friends"
	EventNotifications = "notifications"
	EventMusicState    = "music-state"
	EventAudio         = "audio"
)

// Event is a single named message pushed to a client.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func serializeEvent(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Listener returns a fanout listener that queues every value it receives on
// c as the named event.
func Listener[V any](c *Client, event string) *fanout.FuncListener[V] {
	return fanout.NewListener(func(v V) error {
		return c.Queue(event, v)
	})
}
