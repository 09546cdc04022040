package types

import (
	"time"
)

type User struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type RoomCharacter struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	ImageUrl string `json:"imageUrl"`
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
}

type RoomOutfit struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	ImageUrl string `json:"imageUrl"`
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
}

type Stage string

const (
	StageGeneratingImages Stage = "generating-images"
	StageGeneratingVideos Stage = "generating-videos"
	StageMerging          Stage = "merging"
	StageDone             Stage = "done"
	StageError            Stage = "error"
)

// Terminal reports whether a new generation run may begin from this stage.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageError
}

type PipelineStatus struct {
	ImageDone bool   `json:"imageDone"`
	VideoDone bool   `json:"videoDone"`
	ImageUrl  string `json:"imageUrl,omitempty"`
	VideoUrl  string `json:"videoUrl,omitempty"`
}

type Generation struct {
	RunId          string           `json:"runId"`
	Stage          Stage            `json:"stage"`
	Pipelines      []PipelineStatus `json:"pipelines"`
	MergedVideoUrl string           `json:"mergedVideoUrl,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Clone returns a deep copy so snapshots never share the pipelines slice
// with the registry.
func (g *Generation) Clone() *Generation {
	if g == nil {
		return nil
	}
	c := *g
	c.Pipelines = append([]PipelineStatus(nil), g.Pipelines...)
	return &c
}

type ChatMessage struct {
	Id        string    `json:"id"`
	UserId    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomSnapshot is the externally visible projection of a room.
type RoomSnapshot struct {
	Id         string          `json:"id"`
	Members    []User          `json:"members"`
	Characters []RoomCharacter `json:"characters"`
	Outfits    []RoomOutfit    `json:"outfits"`
	Generation *Generation     `json:"generation"`
	Messages   []ChatMessage   `json:"messages"`
}

type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
)

type FriendRequest struct {
	FromUserId   string              `json:"fromUserId"`
	FromUserName string              `json:"fromUserName"`
	ToUserId     string              `json:"toUserId"`
	ToUserName   string              `json:"toUserName"`
	Status       FriendRequestStatus `json:"status"`
	CreatedAt    time.Time           `json:"createdAt"`
}

type PendingFriendRequest struct {
	FromUserId   string `json:"fromUserId"`
	FromUserName string `json:"fromUserName"`
}

type SentFriendRequest struct {
	ToUserId   string `json:"toUserId"`
	ToUserName string `json:"toUserName"`
}

type FriendsState struct {
	Friends         []User                 `json:"friends"`
	PendingRequests []PendingFriendRequest `json:"pendingRequests"`
	SentRequests    []SentFriendRequest    `json:"sentRequests"`
}

type NotificationType string

const (
	NotificationRoomInvite    NotificationType = "room-invite"
	NotificationFriendRequest NotificationType = "friend-request"
)

type NotificationStatus string

const (
	NotificationPending  NotificationStatus = "pending"
	NotificationAccepted NotificationStatus = "accepted"
	NotificationDeclined NotificationStatus = "declined"
)

type Notification struct {
	Id           string             `json:"id"`
	UserId       string             `json:"userId"`
	Type         NotificationType   `json:"type"`
	FromUserId   string             `json:"fromUserId"`
	FromUserName string             `json:"fromUserName"`
	RoomId       string             `json:"roomId,omitempty"`
	Status       NotificationStatus `json:"status"`
	CreatedAt    time.Time          `json:"createdAt"`
}

type MusicStatus string

const (
	MusicIdle       MusicStatus = "idle"
	MusicConnecting MusicStatus = "connecting"
	MusicPlaying    MusicStatus = "playing"
	MusicPaused     MusicStatus = "paused"
	MusicStopped    MusicStatus = "stopped"
	MusicError      MusicStatus = "error"
)

type WeightedPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// MusicConfig holds the optional generation parameters for a room's music.
// Nil fields are left to the service defaults.
type MusicConfig struct {
	Bpm         *int     `json:"bpm,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Density     *float64 `json:"density,omitempty"`
	Brightness  *float64 `json:"brightness,omitempty"`
	Scale       string   `json:"scale,omitempty"`
}

type MusicState struct {
	Status  MusicStatus      `json:"status"`
	Prompts []WeightedPrompt `json:"prompts"`
	Config  MusicConfig      `json:"config"`
	Error   string           `json:"error,omitempty"`
}

// Clone returns a copy that does not share the prompts slice.
func (s MusicState) Clone() MusicState {
	s.Prompts = append([]WeightedPrompt{}, s.Prompts...)
	return s
}
