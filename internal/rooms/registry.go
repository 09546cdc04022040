package rooms

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/scene-rooms/internal/fanout"
	"github.com/npezzotti/scene-rooms/internal/stats"
	"github.com/npezzotti/scene-rooms/internal/types"
	"github.com/teris-io/shortid"
)

const maxMessages = 100

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrNoCharacters         = errors.New("no characters in room")
	ErrGenerationInProgress = errors.New("generation already in progress")
)

type room struct {
	id         string
	members    map[string]types.User
	characters []types.RoomCharacter
	outfits    []types.RoomOutfit
	generation *types.Generation
	messages   []types.ChatMessage
}

// RunInput is what a generation run captures from the room when it is admitted.
type RunInput struct {
	RunId         string
	CharacterUrls []string
	OutfitUrls    []string
}

// Registry owns every room in the process. All mutations broadcast the new
// room snapshot to the room's listeners while the registry lock is held, so
// listeners must not call back into the registry.
type Registry struct {
	log        *log.Logger
	mu         sync.Mutex
	rooms      map[string]*room
	pub        *fanout.Publisher[string, types.RoomSnapshot]
	stats      stats.StatsProvider
	generateId func() (string, error)
}

func NewRegistry(logger *log.Logger, su stats.StatsProvider) *Registry {
	r := &Registry{
		log:        logger,
		rooms:      make(map[string]*room),
		stats:      stats.OrNop(su),
		generateId: shortid.Generate,
	}
	r.pub = fanout.NewPublisher[string, types.RoomSnapshot](func(key any, err error) {
		r.log.Printf("room %v: listener: %v", key, err)
	})
	r.stats.RegisterMetric(stats.MetricRooms)

	return r
}

// CreateRoom allocates a fresh room with a unique short id.
func (r *Registry) CreateRoom() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		sid, err := r.generateId()
		if err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}
		if _, exists := r.rooms[sid]; !exists {
			id = sid
			break
		}
	}

	r.rooms[id] = &room{
		id:      id,
		members: make(map[string]types.User),
	}
	r.stats.Incr(stats.MetricRooms)
	r.log.Printf("created room %q", id)

	return id, nil
}

// GetRoom returns the snapshot of the room, or false if it does not exist.
func (r *Registry) GetRoom(id string) (types.RoomSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return types.RoomSnapshot{}, false
	}
	return serializeRoom(rm), true
}

func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.rooms[id]
	return ok
}

func (r *Registry) JoinRoom(id string, user types.User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return false
	}

	rm.members[user.Id] = user
	r.broadcast(rm)
	return true
}

func (r *Registry) LeaveRoom(id, userId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return
	}

	delete(rm.members, userId)
	r.broadcast(rm)
}

// AddCharacter adds c unless the same (id, userId) pair is already present.
// The room is broadcast either way.
func (r *Registry) AddCharacter(id string, c types.RoomCharacter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return false
	}

	if !slices.ContainsFunc(rm.characters, func(e types.RoomCharacter) bool {
		return e.Id == c.Id && e.UserId == c.UserId
	}) {
		rm.characters = append(rm.characters, c)
	}

	r.broadcast(rm)
	return true
}

// RemoveCharacter removes only the character contributed by userId.
func (r *Registry) RemoveCharacter(id, characterId, userId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return
	}

	rm.characters = slices.DeleteFunc(rm.characters, func(e types.RoomCharacter) bool {
		return e.Id == characterId && e.UserId == userId
	})
	r.broadcast(rm)
}

func (r *Registry) AddOutfit(id string, o types.RoomOutfit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return false
	}

	if !slices.ContainsFunc(rm.outfits, func(e types.RoomOutfit) bool {
		return e.Id == o.Id && e.UserId == o.UserId
	}) {
		rm.outfits = append(rm.outfits, o)
	}

	r.broadcast(rm)
	return true
}

func (r *Registry) RemoveOutfit(id, outfitId, userId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return
	}

	rm.outfits = slices.DeleteFunc(rm.outfits, func(e types.RoomOutfit) bool {
		return e.Id == outfitId && e.UserId == userId
	})
	r.broadcast(rm)
}

// AddMessage appends a chat message to the room, keeping the most recent ones.
func (r *Registry) AddMessage(id string, user types.User, text string) (types.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return types.ChatMessage{}, false
	}

	msg := types.ChatMessage{
		Id:        uuid.NewString(),
		UserId:    user.Id,
		UserName:  user.Name,
		Text:      strings.TrimSpace(text),
		Timestamp: time.Now().UTC().Round(time.Millisecond),
	}
	rm.messages = append(rm.messages, msg)
	if len(rm.messages) > maxMessages {
		rm.messages = slices.Clone(rm.messages[len(rm.messages)-maxMessages:])
	}

	r.broadcast(rm)
	return msg, true
}

// SetGeneration replaces the room's generation wholesale. A nil generation
// clears it.
func (r *Registry) SetGeneration(id string, g *types.Generation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return
	}

	rm.generation = g.Clone()
	r.broadcast(rm)
}

// BeginGeneration admits a new generation run for the room. It fails when the
// room has no characters or a run that has not reached a terminal stage exists.
func (r *Registry) BeginGeneration(id string, scenes int) (RunInput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return RunInput{}, ErrRoomNotFound
	}
	if len(rm.characters) == 0 {
		return RunInput{}, ErrNoCharacters
	}
	if rm.generation != nil && !rm.generation.Stage.Terminal() {
		return RunInput{}, ErrGenerationInProgress
	}

	in := RunInput{
		RunId:         uuid.NewString(),
		CharacterUrls: make([]string, 0, len(rm.characters)),
		OutfitUrls:    make([]string, 0, len(rm.outfits)),
	}
	for _, c := range rm.characters {
		in.CharacterUrls = append(in.CharacterUrls, c.ImageUrl)
	}
	for _, o := range rm.outfits {
		in.OutfitUrls = append(in.OutfitUrls, o.ImageUrl)
	}

	rm.generation = &types.Generation{
		RunId:     in.RunId,
		Stage:     types.StageGeneratingImages,
		Pipelines: make([]types.PipelineStatus, scenes),
	}
	r.broadcast(rm)

	return in, nil
}

// UpdateGeneration applies fn to the room's generation if it still belongs to
// runId. It reports whether fn was applied.
func (r *Registry) UpdateGeneration(id, runId string, fn func(g *types.Generation)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok || rm.generation == nil || rm.generation.RunId != runId {
		return false
	}

	next := rm.generation.Clone()
	fn(next)
	// pipelines are owned by UpdatePipeline
	next.Pipelines = rm.generation.Pipelines
	next.RunId = runId
	rm.generation = next

	r.broadcast(rm)
	return true
}

// UpdatePipeline merges update into pipelines[index] of the active
// generation. It is a no-op when no generation exists.
func (r *Registry) UpdatePipeline(id string, index int, update types.PipelineStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok || rm.generation == nil {
		return false
	}
	return r.updatePipeline(rm, index, update)
}

// UpdateRunPipeline is UpdatePipeline restricted to the generation created for
// runId, so a reset or superseded run cannot write into a newer one.
func (r *Registry) UpdateRunPipeline(id, runId string, index int, update types.PipelineStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok || rm.generation == nil || rm.generation.RunId != runId {
		return false
	}
	return r.updatePipeline(rm, index, update)
}

func (r *Registry) updatePipeline(rm *room, index int, update types.PipelineStatus) bool {
	g := rm.generation
	if index < 0 || index >= len(g.Pipelines) {
		r.log.Printf("room %q: pipeline index %d out of range", rm.id, index)
		return false
	}

	p := g.Pipelines[index]
	// done flags never revert within a generation
	p.ImageDone = p.ImageDone || update.ImageDone
	p.VideoDone = p.VideoDone || update.VideoDone
	if update.ImageUrl != "" {
		p.ImageUrl = update.ImageUrl
	}
	if update.VideoUrl != "" {
		p.VideoUrl = update.VideoUrl
	}

	// pipelines may be shared with an in-flight snapshot, replace rather than mutate
	next := slices.Clone(g.Pipelines)
	next[index] = p
	g.Pipelines = next

	r.broadcast(rm)
	return true
}

// Subscribe delivers the current snapshot to l and then registers it for
// future updates. It returns false if the room does not exist.
func (r *Registry) Subscribe(id string, l fanout.Listener[types.RoomSnapshot]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return false
	}

	if err := fanout.Deliver(l, serializeRoom(rm)); err != nil {
		r.log.Printf("room %q: baseline: %v", id, err)
	}
	r.pub.Subscribe(id, l)
	return true
}

func (r *Registry) Unsubscribe(id string, l fanout.Listener[types.RoomSnapshot]) {
	r.pub.Unsubscribe(id, l)
}

func (r *Registry) broadcast(rm *room) {
	r.pub.Publish(rm.id, serializeRoom(rm))
}

// serializeRoom projects a room to its externally visible shape. The result
// shares no mutable state with the room.
func serializeRoom(rm *room) types.RoomSnapshot {
	members := make([]types.User, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m)
	}
	slices.SortFunc(members, func(a, b types.User) int {
		return strings.Compare(a.Id, b.Id)
	})

	return types.RoomSnapshot{
		Id:         rm.id,
		Members:    members,
		Characters: append([]types.RoomCharacter{}, rm.characters...),
		Outfits:    append([]types.RoomOutfit{}, rm.outfits...),
		Generation: rm.generation.Clone(),
		Messages:   append([]types.ChatMessage{}, rm.messages...),
	}
}
