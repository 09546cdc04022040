package api

import (
	"net/http"

	"github.com/npezzotti/scene-rooms/internal/social"
	"github.com/npezzotti/scene-rooms/internal/types"
)

const (
	actionAccept  = "accept"
	actionDecline = "decline"
)

type FriendRequest struct {
	ToUserId string `json:"toUserId"`
}

type FriendRequestResponse struct {
	Result social.FriendRequestResult `json:"result"`
}

type RespondRequest struct {
	Action string `json:"action"`
}

func (s *SceneApp) getFriends(w http.ResponseWriter, r *http.Request) {
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, s.friends.GetFriendsState(user.Id))
}

func (s *SceneApp) sendFriendRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	var req FriendRequest
	if err := decodeJson(r, &req); err != nil || req.ToUserId == "" {
		s.writeError(w, NewBadRequestError().WithMessage("toUserId required"))
		return
	}

	target, ok := s.directory.Lookup(req.ToUserId)
	if !ok {
		s.writeError(w, NewNotFoundError().WithMessage("user not found"))
		return
	}

	result := s.friends.SendFriendRequest(user, target)
	s.writeJson(w, http.StatusOK, FriendRequestResponse{Result: result})
}

func (s *SceneApp) respondToFriendRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	var req RespondRequest
	if err := decodeJson(r, &req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	friendId := r.PathValue("friendId")
	switch req.Action {
	case actionAccept:
		s.writeJson(w, http.StatusOK, OkResponse{Ok: s.friends.AcceptFriendRequest(user.Id, friendId)})
	case actionDecline:
		s.writeJson(w, http.StatusOK, OkResponse{Ok: s.friends.DeclineFriendRequest(user.Id, friendId)})
	default:
		s.writeError(w, NewBadRequestError().WithMessage("invalid action"))
	}
}

func (s *SceneApp) removeFriend(w http.ResponseWriter, r *http.Request) {
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	ok = s.friends.RemoveFriend(user.Id, r.PathValue("friendId"))
	s.writeJson(w, http.StatusOK, OkResponse{Ok: ok})
}

func (s *SceneApp) respondToNotification(w http.ResponseWriter, r *http.Request) {
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	var req RespondRequest
	if err := decodeJson(r, &req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	var status types.NotificationStatus
	switch req.Action {
	case actionAccept:
		status = types.NotificationAccepted
	case actionDecline:
		status = types.NotificationDeclined
	default:
		s.writeError(w, NewBadRequestError().WithMessage("invalid action"))
		return
	}

	n, ok := s.notifications.RespondToNotification(r.PathValue("notifId"), user.Id, status)
	if !ok {
		s.writeError(w, NewNotFoundError().WithMessage("notification not found"))
		return
	}

	s.writeJson(w, http.StatusOK, NotificationResponse{Notif: n})
}
