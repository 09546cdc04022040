// Package music keeps one live music generation session per room and fans its
// audio and state out to the room's listeners.
package music

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/scene-rooms/internal/fanout"
	"github.com/npezzotti/scene-rooms/internal/stats"
	"github.com/npezzotti/scene-rooms/internal/types"
)

type roomMusic struct {
	session Session
	state   types.MusicState
	// epoch increments whenever the room's session is replaced or stopped.
	// Work and callbacks tagged with an older epoch never write state.
	epoch uint64
}

type Manager struct {
	log   *log.Logger
	conn  Connector
	stats stats.StatsProvider

	mu     sync.Mutex
	rooms  map[string]*roomMusic
	audio  *fanout.Publisher[string, string]
	states *fanout.Publisher[string, types.MusicState]
}

func NewManager(logger *log.Logger, conn Connector, su stats.StatsProvider) *Manager {
	m := &Manager{
		log:   logger,
		conn:  conn,
		stats: stats.OrNop(su),
		rooms: make(map[string]*roomMusic),
	}
	m.audio = fanout.NewPublisher[string, string](func(key any, err error) {
		m.log.Printf("music %v: audio listener: %v", key, err)
	})
	m.states = fanout.NewPublisher[string, types.MusicState](func(key any, err error) {
		m.log.Printf("music %v: state listener: %v", key, err)
	})
	m.stats.RegisterMetric(stats.MetricMusicSessions)

	return m
}

func idleState() types.MusicState {
	return types.MusicState{
		Status:  types.MusicIdle,
		Prompts: []types.WeightedPrompt{},
	}
}

func (m *Manager) room(roomId string) *roomMusic {
	rm, ok := m.rooms[roomId]
	if !ok {
		rm = &roomMusic{state: idleState()}
		m.rooms[roomId] = rm
	}
	return rm
}

// detach clears the room's session reference and returns the old session.
func (m *Manager) detach(rm *roomMusic) Session {
	s := rm.session
	if s != nil {
		rm.session = nil
		m.stats.Decr(stats.MetricMusicSessions)
	}
	return s
}

func (m *Manager) publish(roomId string, rm *roomMusic) {
	m.states.Publish(roomId, rm.state.Clone())
}

func (m *Manager) closeSession(roomId string, s Session) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		m.log.Printf("music room %q: close session: %v", roomId, err)
	}
}

// State returns the room's music state. Rooms that never played are idle.
func (m *Manager) State(roomId string) types.MusicState {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.rooms[roomId]
	if !ok {
		return idleState()
	}
	return rm.state.Clone()
}

// Start replaces any session the room has with a new one playing prompts.
// Failures are reported through the returned state, never as an error.
func (m *Manager) Start(ctx context.Context, roomId string, prompts []types.WeightedPrompt, cfg types.MusicConfig) types.MusicState {
	prompts = append([]types.WeightedPrompt{}, prompts...)

	m.mu.Lock()
	rm := m.room(roomId)
	rm.epoch++
	epoch := rm.epoch
	old := m.detach(rm)
	rm.state = types.MusicState{
		Status:  types.MusicConnecting,
		Prompts: prompts,
		Config:  cfg,
	}
	m.publish(roomId, rm)
	m.mu.Unlock()

	if old != nil {
		m.log.Printf("music room %q: superseding active session", roomId)
		m.closeSession(roomId, old)
	}

	m.log.Printf("music room %q: connecting with %d prompts", roomId, len(prompts))
	sess, err := m.conn.Connect(ctx, m.callbacks(roomId, epoch))
	if err != nil {
		return m.fail(roomId, epoch, nil, err)
	}

	m.mu.Lock()
	if rm.epoch != epoch {
		m.mu.Unlock()
		m.log.Printf("music room %q: session superseded during connect", roomId)
		m.closeSession(roomId, sess)
		return m.State(roomId)
	}
	rm.session = sess
	m.stats.Incr(stats.MetricMusicSessions)
	m.mu.Unlock()

	if err := m.setup(ctx, sess, prompts, cfg); err != nil {
		return m.fail(roomId, epoch, sess, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rm.epoch == epoch && rm.session == sess {
		rm.state = types.MusicState{
			Status:  types.MusicPlaying,
			Prompts: prompts,
			Config:  cfg,
		}
		m.publish(roomId, rm)
		m.log.Printf("music room %q: playing", roomId)
	}
	return rm.state.Clone()
}

func (m *Manager) setup(ctx context.Context, sess Session, prompts []types.WeightedPrompt, cfg types.MusicConfig) error {
	if err := sess.SetWeightedPrompts(ctx, prompts); err != nil {
		return err
	}
	if err := sess.SetConfig(ctx, NewGenerationConfig(cfg)); err != nil {
		return err
	}
	return sess.Play(ctx)
}

// fail moves the room to the error state if epoch is still current and
// closes sess.
func (m *Manager) fail(roomId string, epoch uint64, sess Session, err error) types.MusicState {
	m.log.Printf("music room %q: start failed: %v", roomId, err)

	m.mu.Lock()
	rm := m.room(roomId)
	current := rm.epoch == epoch
	if current {
		if rm.session == sess {
			m.detach(rm)
		}
		rm.state.Status = types.MusicError
		rm.state.Error = err.Error()
		m.publish(roomId, rm)
	}
	state := rm.state.Clone()
	m.mu.Unlock()

	m.closeSession(roomId, sess)
	return state
}

func (m *Manager) callbacks(roomId string, epoch uint64) Callbacks {
	return Callbacks{
		OnAudio: func(data string) {
			m.mu.Lock()
			rm, ok := m.rooms[roomId]
			current := ok && rm.epoch == epoch
			m.mu.Unlock()

			if current {
				m.audio.Publish(roomId, data)
			}
		},
		OnFilteredPrompt: func(text, reason string) {
			m.log.Printf("music room %q: prompt %q filtered: %s", roomId, text, reason)
		},
		OnError: func(err error) {
			m.mu.Lock()
			defer m.mu.Unlock()

			rm, ok := m.rooms[roomId]
			if !ok || rm.epoch != epoch {
				return
			}
			m.log.Printf("music room %q: session error: %v", roomId, err)
			rm.state.Status = types.MusicError
			rm.state.Error = err.Error()
			m.publish(roomId, rm)
		},
		OnClose: func(code int, reason string) {
			m.mu.Lock()
			defer m.mu.Unlock()

			rm, ok := m.rooms[roomId]
			if !ok || rm.epoch != epoch {
				return
			}
			m.log.Printf("music room %q: session closed (%d %s)", roomId, code, reason)
			m.detach(rm)
			if rm.state.Status != types.MusicError {
				rm.state.Status = types.MusicStopped
				m.publish(roomId, rm)
			}
		},
	}
}

// control runs op against the room's active session and applies the result
// to the state. Without an active session it returns the state unchanged.
func (m *Manager) control(roomId, name string, op func(Session) error, apply func(s *types.MusicState)) types.MusicState {
	m.mu.Lock()
	rm, ok := m.rooms[roomId]
	if !ok || rm.session == nil {
		m.mu.Unlock()
		m.log.Printf("music room %q: %s: no active session", roomId, name)
		return m.State(roomId)
	}
	sess, epoch := rm.session, rm.epoch
	m.mu.Unlock()

	err := op(sess)

	m.mu.Lock()
	defer m.mu.Unlock()

	if rm.epoch != epoch || rm.session != sess {
		return rm.state.Clone()
	}
	if err != nil {
		m.log.Printf("music room %q: %s: %v", roomId, name, err)
		rm.state.Status = types.MusicError
		rm.state.Error = err.Error()
	} else {
		apply(&rm.state)
	}
	m.publish(roomId, rm)

	return rm.state.Clone()
}

func (m *Manager) Pause(ctx context.Context, roomId string) types.MusicState {
	return m.control(roomId, "pause",
		func(s Session) error { return s.Pause(ctx) },
		func(st *types.MusicState) { st.Status, st.Error = types.MusicPaused, "" })
}

func (m *Manager) Resume(ctx context.Context, roomId string) types.MusicState {
	return m.control(roomId, "resume",
		func(s Session) error { return s.Play(ctx) },
		func(st *types.MusicState) { st.Status, st.Error = types.MusicPlaying, "" })
}

func (m *Manager) UpdatePrompts(ctx context.Context, roomId string, prompts []types.WeightedPrompt) types.MusicState {
	prompts = append([]types.WeightedPrompt{}, prompts...)
	return m.control(roomId, "update prompts",
		func(s Session) error { return s.SetWeightedPrompts(ctx, prompts) },
		func(st *types.MusicState) { st.Prompts = prompts })
}

// UpdateConfig pushes cfg to the active session. With resetContext the
// service also discards its generation context.
func (m *Manager) UpdateConfig(ctx context.Context, roomId string, cfg types.MusicConfig, resetContext bool) types.MusicState {
	return m.control(roomId, "update config",
		func(s Session) error {
			if err := s.SetConfig(ctx, NewGenerationConfig(cfg)); err != nil {
				return err
			}
			if resetContext {
				return s.ResetContext(ctx)
			}
			return nil
		},
		func(st *types.MusicState) { st.Config = cfg })
}

// Stop closes the room's session, if any, and resets it to idle.
func (m *Manager) Stop(roomId string) types.MusicState {
	m.mu.Lock()
	rm := m.room(roomId)
	rm.epoch++
	sess := m.detach(rm)
	rm.state = idleState()
	m.publish(roomId, rm)
	state := rm.state.Clone()
	m.mu.Unlock()

	m.log.Printf("music room %q: stopped", roomId)
	m.closeSession(roomId, sess)
	return state
}

func (m *Manager) SubscribeAudio(roomId string, l fanout.Listener[string]) {
	m.audio.Subscribe(roomId, l)
}

func (m *Manager) UnsubscribeAudio(roomId string, l fanout.Listener[string]) {
	m.audio.Unsubscribe(roomId, l)
}

// SubscribeState delivers the room's current state to l and registers it for
// future changes.
func (m *Manager) SubscribeState(roomId string, l fanout.Listener[types.MusicState]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := idleState()
	if rm, ok := m.rooms[roomId]; ok {
		state = rm.state.Clone()
	}
	if err := fanout.Deliver(l, state); err != nil {
		m.log.Printf("music room %q: baseline: %v", roomId, err)
	}
	m.states.Subscribe(roomId, l)
}

func (m *Manager) UnsubscribeState(roomId string, l fanout.Listener[types.MusicState]) {
	m.states.Unsubscribe(roomId, l)
}

// Shutdown closes every live session. Later callbacks from them are ignored.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make(map[string]Session)
	for id, rm := range m.rooms {
		rm.epoch++
		if s := m.detach(rm); s != nil {
			sessions[id] = s
		}
	}
	m.mu.Unlock()

	for id, s := range sessions {
		m.closeSession(id, s)
	}
	m.log.Printf("music: closed %d sessions", len(sessions))
}
