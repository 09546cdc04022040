package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/npezzotti/scene-rooms/internal/pipeline"
	"github.com/npezzotti/scene-rooms/internal/types"
)

const maxUploadSize = 10 << 20

const (
	actionAdd    = "add"
	actionRemove = "remove"
)

type CreateRoomResponse struct {
	RoomId string `json:"roomId"`
}

type OkResponse struct {
	Ok bool `json:"ok"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

type ChatResponse struct {
	Ok      bool              `json:"ok"`
	Message types.ChatMessage `json:"message"`
}

type GenerateRequest struct {
	ImagePrompt string   `json:"imagePrompt"`
	VideoPrompt string   `json:"videoPrompt"`
	SceneUrls   []string `json:"sceneUrls"`
}

type InviteRequest struct {
	FriendId string `json:"friendId"`
}

type NotificationResponse struct {
	Notif types.Notification `json:"notif"`
}

type AnimateRequest struct {
	ImageUrl string `json:"imageUrl"`
	Prompt   string `json:"prompt"`
}

type MergeRequest struct {
	VideoUrls []string `json:"videoUrls"`
}

type Video struct {
	Url string `json:"url"`
}

type VideoResponse struct {
	Video Video `json:"video"`
}

func (s *SceneApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *SceneApp) writeError(w http.ResponseWriter, e *ApiError) {
	if e.StatusCode >= http.StatusInternalServerError && e.Err != nil {
		s.log.Printf("request failed: %v", e)
	}
	s.writeJson(w, e.StatusCode, e)
}

// decodeJson decodes the request body into v. An empty body leaves v untouched.
func decodeJson(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// actingUser returns the authenticated user, writing a 401 when there is none.
func (s *SceneApp) actingUser(w http.ResponseWriter, r *http.Request) (types.User, bool) {
	user, ok := UserFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
	}
	return user, ok
}

// roomId returns the path's room id, writing a 404 when the room does not exist.
func (s *SceneApp) roomId(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("roomId")
	if !s.rooms.Exists(id) {
		s.writeError(w, NewNotFoundError().WithMessage("room not found"))
		return "", false
	}
	return id, true
}

func (s *SceneApp) createRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	id, err := s.rooms.CreateRoom()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	s.log.Printf("user %q created room %q", user.Id, id)

	s.writeJson(w, http.StatusCreated, CreateRoomResponse{RoomId: id})
}

func (s *SceneApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.rooms.GetRoom(r.PathValue("roomId"))
	if !ok {
		s.writeError(w, NewNotFoundError().WithMessage("room not found"))
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

// assetRequest is a character or outfit change, sent either as JSON or as a
// multipart form carrying the image file.
type assetRequest struct {
	Action   string
	Id       string
	Name     string
	ImageUrl string
}

func readAssetRequest(r *http.Request, kind string) (assetRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body map[string]string
		if err := decodeJson(r, &body); err != nil {
			return assetRequest{}, err
		}
		return assetRequest{
			Action:   body["action"],
			Id:       body[kind+"Id"],
			Name:     body[kind+"Name"],
			ImageUrl: body["imageUrl"],
		}, nil
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return assetRequest{}, fmt.Errorf("parse form: %w", err)
	}

	req := assetRequest{
		Action:   r.FormValue("action"),
		Id:       r.FormValue(kind + "Id"),
		Name:     r.FormValue(kind + "Name"),
		ImageUrl: r.FormValue("imageUrl"),
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return assetRequest{}, fmt.Errorf("read image: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return assetRequest{}, fmt.Errorf("read image: %w", err)
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	req.ImageUrl = "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)

	return req, nil
}

func (s *SceneApp) characters(w http.ResponseWriter, r *http.Request) {
	s.changeAsset(w, r, "character",
		func(roomId string, user types.User, a assetRequest) {
			s.rooms.AddCharacter(roomId, types.RoomCharacter{
				Id:       a.Id,
				Name:     a.Name,
				ImageUrl: a.ImageUrl,
				UserId:   user.Id,
				UserName: user.Name,
			})
		},
		func(roomId string, user types.User, id string) {
			s.rooms.RemoveCharacter(roomId, id, user.Id)
		})
}

func (s *SceneApp) outfits(w http.ResponseWriter, r *http.Request) {
	s.changeAsset(w, r, "outfit",
		func(roomId string, user types.User, a assetRequest) {
			s.rooms.AddOutfit(roomId, types.RoomOutfit{
				Id:       a.Id,
				Name:     a.Name,
				ImageUrl: a.ImageUrl,
				UserId:   user.Id,
				UserName: user.Name,
			})
		},
		func(roomId string, user types.User, id string) {
			s.rooms.RemoveOutfit(roomId, id, user.Id)
		})
}

func (s *SceneApp) changeAsset(
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	add func(roomId string, user types.User, a assetRequest),
	remove func(roomId string, user types.User, id string),
) {
	roomId, ok := s.roomId(w, r)
	if !ok {
		return
	}
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	req, err := readAssetRequest(r, kind)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	switch req.Action {
	case actionAdd:
		if req.Id == "" || req.Name == "" || req.ImageUrl == "" {
			s.writeError(w, NewBadRequestError().WithMessage("missing "+kind+" data"))
			return
		}
		add(roomId, user, req)
	case actionRemove:
		if req.Id == "" {
			s.writeError(w, NewBadRequestError().WithMessage("missing "+kind+"Id"))
			return
		}
		remove(roomId, user, req.Id)
	default:
		s.writeError(w, NewBadRequestError().WithMessage("invalid action"))
		return
	}

	s.writeJson(w, http.StatusOK, OkResponse{Ok: true})
}

func (s *SceneApp) chat(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomId(w, r)
	if !ok {
		return
	}
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := decodeJson(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		s.writeError(w, NewBadRequestError().WithMessage("text required"))
		return
	}

	msg, ok := s.rooms.AddMessage(roomId, user, req.Text)
	if !ok {
		s.writeError(w, NewNotFoundError().WithMessage("room not found"))
		return
	}

	s.writeJson(w, http.StatusOK, ChatResponse{Ok: true, Message: msg})
}

func (s *SceneApp) generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decodeJson(r, &req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	err := s.pipeline.Start(r.PathValue("roomId"), pipeline.Options{
		ImagePrompt: req.ImagePrompt,
		VideoPrompt: req.VideoPrompt,
		SceneUrls:   req.SceneUrls,
	})
	switch {
	case err == nil:
		s.writeJson(w, http.StatusAccepted, OkResponse{Ok: true})
	case errors.Is(err, pipeline.ErrRoomNotFound):
		s.writeError(w, NewNotFoundError().WithMessage(err.Error()))
	case errors.Is(err, pipeline.ErrNoCharacters), errors.Is(err, pipeline.ErrNoScenes):
		s.writeError(w, NewBadRequestError().WithMessage(err.Error()))
	case errors.Is(err, pipeline.ErrGenerationInProgress):
		s.writeError(w, NewConflictError().WithMessage(err.Error()))
	case errors.Is(err, pipeline.ErrShuttingDown):
		s.writeError(w, NewServiceUnavailableError())
	default:
		s.writeError(w, NewInternalServerError(err))
	}
}

func (s *SceneApp) resetGeneration(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomId(w, r)
	if !ok {
		return
	}

	s.pipeline.Reset(roomId)
	s.writeJson(w, http.StatusOK, OkResponse{Ok: true})
}

func (s *SceneApp) invite(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomId(w, r)
	if !ok {
		return
	}
	user, ok := s.actingUser(w, r)
	if !ok {
		return
	}

	var req InviteRequest
	if err := decodeJson(r, &req); err != nil || req.FriendId == "" {
		s.writeError(w, NewBadRequestError().WithMessage("friendId required"))
		return
	}

	if !s.friends.AreFriends(user.Id, req.FriendId) {
		s.writeError(w, NewForbiddenError().WithMessage("not friends with this user"))
		return
	}

	n := s.notifications.CreateNotification(req.FriendId, types.NotificationRoomInvite, user, roomId)
	s.writeJson(w, http.StatusOK, NotificationResponse{Notif: n})
}

func (s *SceneApp) animate(w http.ResponseWriter, r *http.Request) {
	var req AnimateRequest
	if err := decodeJson(r, &req); err != nil || req.ImageUrl == "" {
		s.writeError(w, NewBadRequestError().WithMessage("no image url provided"))
		return
	}

	url, err := s.pipeline.Animate(r.Context(), req.ImageUrl, req.Prompt)
	if err != nil {
		s.writeError(w, NewBadGatewayError(err).WithMessage("failed to generate video"))
		return
	}

	s.writeJson(w, http.StatusOK, VideoResponse{Video: Video{Url: url}})
}

func (s *SceneApp) merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := decodeJson(r, &req); err != nil || len(req.VideoUrls) < 2 {
		s.writeError(w, NewBadRequestError().WithMessage("at least two video urls are required"))
		return
	}

	url, err := s.pipeline.Merge(r.Context(), req.VideoUrls)
	if err != nil {
		s.writeError(w, NewBadGatewayError(err).WithMessage("failed to merge videos"))
		return
	}

	s.writeJson(w, http.StatusOK, VideoResponse{Video: Video{Url: url}})
}
