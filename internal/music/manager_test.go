package music

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/npezzotti/scene-rooms/internal/stats"
	"github.com/npezzotti/scene-rooms/internal/testutil"
	"github.com/npezzotti/scene-rooms/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	cb Callbacks

	mu       sync.Mutex
	calls    []string
	prompts  []types.WeightedPrompt
	config   GenerationConfig
	closed   int
	failures map[string]error
}

func (s *fakeSession) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return s.failures[call]
}

func (s *fakeSession) SetWeightedPrompts(ctx context.Context, prompts []types.WeightedPrompt) error {
	s.mu.Lock()
	s.prompts = prompts
	s.mu.Unlock()
	return s.record("prompts")
}

func (s *fakeSession) SetConfig(ctx context.Context, cfg GenerationConfig) error {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return s.record("config")
}

func (s *fakeSession) Play(ctx context.Context) error         { return s.record("play") }
func (s *fakeSession) Pause(ctx context.Context) error        { return s.record("pause") }
func (s *fakeSession) ResetContext(ctx context.Context) error { return s.record("reset") }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}

type fakeConnector struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
	failures map[string]error
	// gate, when set, is called before the n-th (zero based) connect returns.
	gate func(n int)
}

func (c *fakeConnector) Connect(ctx context.Context, cb Callbacks) (Session, error) {
	c.mu.Lock()
	n := len(c.sessions)
	s := &fakeSession{cb: cb, failures: c.failures}
	c.sessions = append(c.sessions, s)
	err, gate := c.err, c.gate
	c.mu.Unlock()

	if gate != nil {
		gate(n)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *fakeConnector) session(t *testing.T, n int) *fakeSession {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Greater(t, len(c.sessions), n)
	return c.sessions[n]
}

var (
	prompts = []types.WeightedPrompt{{Text: "lofi", Weight: 1}}
	ctx     = context.Background()
)

func newTestManager(t *testing.T, conn Connector) (*Manager, *testutil.Recorder[types.MusicState]) {
	m := NewManager(testutil.TestLogger(t), conn, nil)
	states := &testutil.Recorder[types.MusicState]{}
	m.SubscribeState("room", states)
	return m, states
}

func statuses(r *testutil.Recorder[types.MusicState]) []types.MusicStatus {
	var out []types.MusicStatus
	for _, s := range r.Values() {
		out = append(out, s.Status)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestNewGenerationConfig(t *testing.T) {
	gc := NewGenerationConfig(types.MusicConfig{})
	assert.Equal(t, GenerationConfig{Temperature: 1.0, AudioFormat: "pcm16", SampleRateHz: 48000}, gc)

	gc = NewGenerationConfig(types.MusicConfig{
		Bpm:         ptr(120),
		Temperature: ptr(0.5),
		Density:     ptr(0.2),
		Brightness:  ptr(0.8),
		Scale:       "C_MAJOR_A_MINOR",
	})
	assert.Equal(t, 0.5, gc.Temperature)
	assert.Equal(t, 120, *gc.Bpm)
	assert.Equal(t, 0.2, *gc.Density)
	assert.Equal(t, 0.8, *gc.Brightness)
	assert.Equal(t, "C_MAJOR_A_MINOR", gc.Scale)
}

func TestState_Default(t *testing.T) {
	m := NewManager(testutil.TestLogger(t), &fakeConnector{}, nil)
	assert.Equal(t, types.MusicState{Status: types.MusicIdle, Prompts: []types.WeightedPrompt{}}, m.State("unknown"))
}

func TestStart(t *testing.T) {
	conn := &fakeConnector{}
	m, states := newTestManager(t, conn)

	state := m.Start(ctx, "room", prompts, types.MusicConfig{Bpm: ptr(90)})

	assert.Equal(t, types.MusicPlaying, state.Status)
	assert.Equal(t, prompts, state.Prompts)
	assert.Equal(t, 90, *state.Config.Bpm)
	assert.Equal(t, []types.MusicStatus{types.MusicIdle, types.MusicConnecting, types.MusicPlaying}, statuses(states))

	sess := conn.session(t, 0)
	assert.Equal(t, []string{"prompts", "config", "play"}, sess.Calls())
	assert.Equal(t, prompts, sess.prompts)
	assert.Equal(t, 90, *sess.config.Bpm)
	assert.Equal(t, 1.0, sess.config.Temperature)
}

func TestStart_Failures(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		conn := &fakeConnector{err: errors.New("dial refused")}
		m, states := newTestManager(t, conn)

		state := m.Start(ctx, "room", prompts, types.MusicConfig{})
		assert.Equal(t, types.MusicError, state.Status)
		assert.Equal(t, "dial refused", state.Error)
		assert.Equal(t, prompts, state.Prompts)
		assert.Equal(t, types.MusicError, states.Last().Status)

		assert.Equal(t, state, m.Pause(ctx, "room"), "no session is left behind")
	})

	t.Run("play", func(t *testing.T) {
		conn := &fakeConnector{failures: map[string]error{"play": errors.New("quota")}}
		m, _ := newTestManager(t, conn)

		state := m.Start(ctx, "room", prompts, types.MusicConfig{})
		assert.Equal(t, types.MusicError, state.Status)
		assert.Equal(t, "quota", state.Error)
		assert.True(t, conn.session(t, 0).Closed())

		m.Resume(ctx, "room")
		assert.Equal(t, []string{"prompts", "config", "play"}, conn.session(t, 0).Calls())
	})
}

func TestAudioFanout(t *testing.T) {
	conn := &fakeConnector{}
	m, _ := newTestManager(t, conn)
	m.Start(ctx, "room", prompts, types.MusicConfig{})

	a := &testutil.Recorder[string]{}
	b := &testutil.Recorder[string]{}
	other := &testutil.Recorder[string]{}
	m.SubscribeAudio("room", a)
	m.SubscribeAudio("room", b)
	m.SubscribeAudio("other-room", other)

	cb := conn.session(t, 0).cb
	cb.OnAudio("AAEC")
	cb.OnAudio("AwQF")

	assert.Equal(t, []string{"AAEC", "AwQF"}, a.Values())
	assert.Equal(t, []string{"AAEC", "AwQF"}, b.Values())
	assert.Zero(t, other.Len())

	m.UnsubscribeAudio("room", a)
	cb.OnAudio("BgcI")
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 3, b.Len())
}

func TestSessionEvents(t *testing.T) {
	t.Run("close", func(t *testing.T) {
		conn := &fakeConnector{}
		m, states := newTestManager(t, conn)
		m.Start(ctx, "room", prompts, types.MusicConfig{})

		conn.session(t, 0).cb.OnClose(1000, "bye")
		assert.Equal(t, types.MusicStopped, states.Last().Status)
		assert.Equal(t, prompts, states.Last().Prompts)

		before := states.Len()
		assert.Equal(t, types.MusicStopped, m.Pause(ctx, "room").Status, "no session after close")
		assert.Equal(t, before, states.Len())
	})

	t.Run("error then close", func(t *testing.T) {
		conn := &fakeConnector{}
		m, states := newTestManager(t, conn)
		m.Start(ctx, "room", prompts, types.MusicConfig{})

		cb := conn.session(t, 0).cb
		cb.OnError(errors.New("stream reset"))
		assert.Equal(t, types.MusicError, states.Last().Status)
		assert.Equal(t, "stream reset", states.Last().Error)

		cb.OnClose(1011, "internal")
		state := m.State("room")
		assert.Equal(t, types.MusicError, state.Status, "close does not hide the error")
		assert.Equal(t, "stream reset", state.Error)
	})

	t.Run("filtered prompt", func(t *testing.T) {
		conn := &fakeConnector{}
		m, states := newTestManager(t, conn)
		m.Start(ctx, "room", prompts, types.MusicConfig{})
		before := states.Len()

		conn.session(t, 0).cb.OnFilteredPrompt("lofi", "blocked")
		assert.Equal(t, before, states.Len())
		assert.Equal(t, types.MusicPlaying, m.State("room").Status)
	})
}

func TestControls(t *testing.T) {
	conn := &fakeConnector{}
	m, _ := newTestManager(t, conn)
	m.Start(ctx, "room", prompts, types.MusicConfig{})
	sess := conn.session(t, 0)

	assert.Equal(t, types.MusicPaused, m.Pause(ctx, "room").Status)
	assert.Equal(t, types.MusicPlaying, m.Resume(ctx, "room").Status)

	next := []types.WeightedPrompt{{Text: "jazz", Weight: 0.7}, {Text: "rain", Weight: 0.3}}
	state := m.UpdatePrompts(ctx, "room", next)
	assert.Equal(t, next, state.Prompts)
	assert.Equal(t, next, sess.prompts)

	cfg := types.MusicConfig{Bpm: ptr(140), Scale: "D_MAJOR_B_MINOR"}
	state = m.UpdateConfig(ctx, "room", cfg, false)
	assert.Equal(t, cfg, state.Config)
	assert.Equal(t, 140, *sess.config.Bpm)

	m.UpdateConfig(ctx, "room", cfg, true)
	assert.Equal(t,
		[]string{"prompts", "config", "play", "pause", "play", "prompts", "config", "config", "reset"},
		sess.Calls())
}

func TestControls_Failures(t *testing.T) {
	conn := &fakeConnector{failures: map[string]error{
		"pause": errors.New("pause failed"),
		"reset": errors.New("reset failed"),
	}}
	m, states := newTestManager(t, conn)
	m.Start(ctx, "room", prompts, types.MusicConfig{})

	state := m.Pause(ctx, "room")
	assert.Equal(t, types.MusicError, state.Status)
	assert.Equal(t, "pause failed", state.Error)
	assert.Equal(t, types.MusicError, states.Last().Status)

	state = m.Resume(ctx, "room")
	assert.Equal(t, types.MusicPlaying, state.Status)
	assert.Empty(t, state.Error)

	state = m.UpdateConfig(ctx, "room", types.MusicConfig{Bpm: ptr(100)}, true)
	assert.Equal(t, types.MusicError, state.Status)
	assert.Equal(t, "reset failed", state.Error)
	assert.Nil(t, state.Config.Bpm, "config is not applied on failure")
}

func TestControls_NoSession(t *testing.T) {
	conn := &fakeConnector{}
	m, states := newTestManager(t, conn)

	assert.Equal(t, types.MusicIdle, m.Pause(ctx, "room").Status)
	assert.Equal(t, types.MusicIdle, m.Resume(ctx, "room").Status)
	assert.Empty(t, m.UpdatePrompts(ctx, "room", prompts).Prompts)
	assert.Equal(t, types.MusicIdle, m.UpdateConfig(ctx, "room", types.MusicConfig{}, true).Status)
	assert.Equal(t, 1, states.Len(), "only the baseline")
}

func TestStop(t *testing.T) {
	conn := &fakeConnector{}
	m, states := newTestManager(t, conn)

	assert.Equal(t, types.MusicIdle, m.Stop("room").Status, "stop without a session")

	m.Start(ctx, "room", prompts, types.MusicConfig{Bpm: ptr(100)})
	sess := conn.session(t, 0)

	state := m.Stop("room")
	assert.Equal(t, types.MusicState{Status: types.MusicIdle, Prompts: []types.WeightedPrompt{}}, state)
	assert.True(t, sess.Closed())

	// the closed session reporting its own shutdown must not move the state
	sess.cb.OnClose(1000, "")
	sess.cb.OnError(errors.New("late"))
	assert.Equal(t, types.MusicIdle, states.Last().Status)
	assert.Equal(t, types.MusicIdle, m.State("room").Status)
}

func TestStart_Supersedes(t *testing.T) {
	conn := &fakeConnector{}
	m, _ := newTestManager(t, conn)
	audio := &testutil.Recorder[string]{}
	m.SubscribeAudio("room", audio)

	m.Start(ctx, "room", prompts, types.MusicConfig{})
	second := []types.WeightedPrompt{{Text: "ambient", Weight: 1}}
	state := m.Start(ctx, "room", second, types.MusicConfig{})
	require.Equal(t, types.MusicPlaying, state.Status)

	first, current := conn.session(t, 0), conn.session(t, 1)
	assert.True(t, first.Closed())
	assert.False(t, current.Closed())

	first.cb.OnError(errors.New("old session failed"))
	first.cb.OnClose(1006, "abnormal")
	first.cb.OnAudio("stale")
	current.cb.OnAudio("fresh")

	state = m.State("room")
	assert.Equal(t, types.MusicPlaying, state.Status)
	assert.Equal(t, second, state.Prompts)
	assert.Empty(t, state.Error)
	assert.Equal(t, []string{"fresh"}, audio.Values())

	assert.Equal(t, types.MusicPaused, m.Pause(ctx, "room").Status)
	assert.Contains(t, current.Calls(), "pause")
	assert.NotContains(t, first.Calls(), "pause")
}

func TestStart_SupersededWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	connecting := make(chan struct{})
	conn := &fakeConnector{}
	conn.gate = func(n int) {
		if n == 0 {
			close(connecting)
			<-release
		}
	}
	m, _ := newTestManager(t, conn)

	done := make(chan types.MusicState)
	go func() {
		done <- m.Start(ctx, "room", prompts, types.MusicConfig{})
	}()
	<-connecting

	second := []types.WeightedPrompt{{Text: "ambient", Weight: 1}}
	require.Equal(t, types.MusicPlaying, m.Start(ctx, "room", second, types.MusicConfig{}).Status)

	close(release)
	<-done

	first, current := conn.session(t, 0), conn.session(t, 1)
	assert.True(t, first.Closed(), "late connection is closed")
	assert.Empty(t, first.Calls(), "late connection is never configured")
	assert.False(t, current.Closed())

	state := m.State("room")
	assert.Equal(t, types.MusicPlaying, state.Status)
	assert.Equal(t, second, state.Prompts)
}

func TestSubscribeState(t *testing.T) {
	conn := &fakeConnector{}
	m := NewManager(testutil.TestLogger(t), conn, nil)
	m.Start(ctx, "room", prompts, types.MusicConfig{})

	late := &testutil.Recorder[types.MusicState]{}
	m.SubscribeState("room", late)
	require.Equal(t, 1, late.Len())
	assert.Equal(t, types.MusicPlaying, late.Last().Status)

	m.UnsubscribeState("room", late)
	m.Pause(ctx, "room")
	assert.Equal(t, 1, late.Len())
}

func TestShutdown(t *testing.T) {
	conn := &fakeConnector{}
	m, _ := newTestManager(t, conn)
	m.Start(ctx, "room", prompts, types.MusicConfig{})
	m.Start(ctx, "other", prompts, types.MusicConfig{})

	m.Shutdown()

	assert.True(t, conn.session(t, 0).Closed())
	assert.True(t, conn.session(t, 1).Closed())
	conn.session(t, 0).cb.OnClose(1000, "")
	assert.Equal(t, types.MusicPlaying, m.State("room").Status)
}

func TestManager_Stats(t *testing.T) {
	ms := &stats.MockStatsUpdater{}
	ms.On("RegisterMetric", stats.MetricMusicSessions).Return()
	ms.On("Incr", stats.MetricMusicSessions).Return()
	ms.On("Decr", stats.MetricMusicSessions).Return()

	conn := &fakeConnector{}
	m := NewManager(testutil.TestLogger(t), conn, ms)
	m.Start(ctx, "room", prompts, types.MusicConfig{})
	m.Start(ctx, "room", prompts, types.MusicConfig{})
	m.Stop("room")

	ms.AssertNumberOfCalls(t, "Incr", 2)
	ms.AssertNumberOfCalls(t, "Decr", 2)
	ms.AssertCalled(t, "RegisterMetric", stats.MetricMusicSessions)
}
