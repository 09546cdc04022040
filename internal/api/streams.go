package api

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/scene-rooms/internal/server"
	"github.com/npezzotti/scene-rooms/internal/types"
)

// openStream upgrades the request to a websocket push channel for user.
func (s *SceneApp) openStream(w http.ResponseWriter, r *http.Request, user types.User) (*server.Client, bool) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return nil, false
	}

	return server.NewClient(user, conn, s.hub, s.log), true
}

// roomEvents joins the user to the room and streams room snapshots until
// the connection ends, at which point the user leaves.
func (s *SceneApp) roomEvents(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomId(w, r)
	if !ok {
		return
	}
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	client, ok := s.openStream(w, r, user)
	if !ok {
		return
	}

	listener := server.Listener[types.RoomSnapshot](client, server.EventUpdate)
	s.rooms.JoinRoom(roomId, user)
	s.rooms.Subscribe(roomId, listener)
	defer func() {
		s.rooms.Unsubscribe(roomId, listener)
		s.rooms.LeaveRoom(roomId, user.Id)
	}()

	client.Serve()
}

func (s *SceneApp) musicStream(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomId(w, r)
	if !ok {
		return
	}
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	client, ok := s.openStream(w, r, user)
	if !ok {
		return
	}

	audio := server.Listener[string](client, server.EventAudio)
	state := server.Listener[types.MusicState](client, server.EventMusicState)
	s.music.SubscribeAudio(roomId, audio)
	s.music.SubscribeState(roomId, state)
	defer func() {
		s.music.UnsubscribeAudio(roomId, audio)
		s.music.UnsubscribeState(roomId, state)
	}()

	client.Serve()
}

func (s *SceneApp) friendEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	client, ok := s.openStream(w, r, user)
	if !ok {
		return
	}

	listener := server.Listener[types.FriendsState](client, server.EventFriends)
	s.friends.Subscribe(user.Id, listener)
	defer s.friends.Unsubscribe(user.Id, listener)

	client.Serve()
}

func (s *SceneApp) notificationEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	client, ok := s.openStream(w, r, user)
	if !ok {
		return
	}

	listener := server.Listener[[]types.Notification](client, server.EventNotifications)
	s.notifications.Subscribe(user.Id, listener)
	defer s.notifications.Unsubscribe(user.Id, listener)

	client.Serve()
}
