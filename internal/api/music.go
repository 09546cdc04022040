package api

import (
	"net/http"

	"github.com/npezzotti/scene-rooms/internal/types"
)

const (
	musicPlay       = "play"
	musicPause      = "pause"
	musicResume     = "resume"
	musicStop       = "stop"
	musicSetPrompts = "setPrompts"
	musicSetConfig  = "setConfig"
)

type MusicRequest struct {
	Action       string                 `json:"action"`
	Prompts      []types.WeightedPrompt `json:"prompts"`
	Config       *types.MusicConfig     `json:"config"`
	ResetContext bool                   `json:"resetContext"`
}

type MusicResponse struct {
	Music types.MusicState `json:"music"`
}

func (s *SceneApp) getMusic(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomId(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, MusicResponse{Music: s.music.State(roomId)})
}

func (s *SceneApp) musicAction(w http.ResponseWriter, r *http.Request) {
	roomId, ok := s.roomId(w, r)
	if !ok {
		return
	}

	var req MusicRequest
	if err := decodeJson(r, &req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	var cfg types.MusicConfig
	if req.Config != nil {
		cfg = *req.Config
	}

	var state types.MusicState
	switch req.Action {
	case musicPlay:
		if len(req.Prompts) == 0 {
			s.writeError(w, NewBadRequestError().WithMessage("at least one prompt is required"))
			return
		}
		state = s.music.Start(r.Context(), roomId, req.Prompts, cfg)
	case musicPause:
		state = s.music.Pause(r.Context(), roomId)
	case musicResume:
		state = s.music.Resume(r.Context(), roomId)
	case musicStop:
		state = s.music.Stop(roomId)
	case musicSetPrompts:
		if len(req.Prompts) == 0 {
			s.writeError(w, NewBadRequestError().WithMessage("at least one prompt is required"))
			return
		}
		state = s.music.UpdatePrompts(r.Context(), roomId, req.Prompts)
	case musicSetConfig:
		state = s.music.UpdateConfig(r.Context(), roomId, cfg, req.ResetContext)
	default:
		s.writeError(w, NewBadRequestError().WithMessage("unknown action"))
		return
	}

	s.log.Printf("music room %q: %s -> %s", roomId, req.Action, state.Status)
	s.writeJson(w, http.StatusOK, MusicResponse{Music: state})
}
