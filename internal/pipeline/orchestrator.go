package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/npezzotti/scene-rooms/internal/rooms"
	"github.com/npezzotti/scene-rooms/internal/stats"
	"github.com/npezzotti/scene-rooms/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultVideoPrompt = "they both walk up the stairs slowly"

	imageAspectRatio = "16:9"
	imageFormat      = "png"
	imageResolution  = "1K"
	videoDuration    = 6
	videoResolution  = "720p"
	mergeResolution  = "landscape_16_9"
)

var (
	ErrRoomNotFound         = rooms.ErrRoomNotFound
	ErrNoCharacters         = rooms.ErrNoCharacters
	ErrGenerationInProgress = rooms.ErrGenerationInProgress
	ErrShuttingDown         = errors.New("pipeline is shutting down")
	ErrNoScenes             = errors.New("no target scenes configured")

	// ErrNoOutput is returned by a service that completed without producing
	// a result.
	ErrNoOutput = errors.New("no output returned")

	// errDetached ends a run whose generation was reset or replaced.
	errDetached = errors.New("generation detached")
)

// RoomStore is the subset of the room registry the orchestrator writes through.
type RoomStore interface {
	BeginGeneration(id string, scenes int) (rooms.RunInput, error)
	UpdateGeneration(id, runId string, fn func(g *types.Generation)) bool
	UpdateRunPipeline(id, runId string, index int, update types.PipelineStatus) bool
	SetGeneration(id string, g *types.Generation)
}

// Defaults is pipeline configuration shared by every run.
type Defaults struct {
	SceneUrls   []string
	VideoPrompt string
}

// Options override the defaults for a single run.
type Options struct {
	ImagePrompt string
	VideoPrompt string
	SceneUrls   []string
}

type Orchestrator struct {
	log      *log.Logger
	rooms    RoomStore
	svc      Services
	defaults Defaults
	stats    stats.StatsProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(logger *log.Logger, store RoomStore, svc Services, defaults Defaults, su stats.StatsProvider) *Orchestrator {
	if defaults.VideoPrompt == "" {
		defaults.VideoPrompt = DefaultVideoPrompt
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		log:      logger,
		rooms:    store,
		svc:      svc,
		defaults: defaults,
		stats:    stats.OrNop(su),
		ctx:      ctx,
		cancel:   cancel,
	}
	o.stats.RegisterMetric(stats.MetricGenerationsStarted)
	o.stats.RegisterMetric(stats.MetricGenerationsFailed)

	return o
}

// ResolveImagePrompt returns explicit when set, otherwise a prompt phrased for
// the number of characters and whether outfits were provided.
func ResolveImagePrompt(explicit string, characters, outfits int) string {
	if explicit != "" {
		return explicit
	}

	switch {
	case characters == 1 && outfits == 0:
		return "Place the character into the scene"
	case characters == 1:
		return "Place the character into the scene wearing the provided outfit"
	case outfits == 0:
		return "Place all characters into the scene"
	default:
		return "Place all characters into the scene wearing the provided outfits"
	}
}

// Start admits a generation run for the room and returns without waiting for
// it to finish. Progress is reported exclusively through the room store.
func (o *Orchestrator) Start(roomId string, opts Options) error {
	if o.ctx.Err() != nil {
		return ErrShuttingDown
	}

	scenes := opts.SceneUrls
	if len(scenes) == 0 {
		scenes = o.defaults.SceneUrls
	}
	if len(scenes) == 0 {
		return ErrNoScenes
	}
	scenes = append([]string(nil), scenes...)

	in, err := o.rooms.BeginGeneration(roomId, len(scenes))
	if err != nil {
		return err
	}

	o.stats.Incr(stats.MetricGenerationsStarted)
	o.log.Printf("room %q: generation %s started with %d scenes", roomId, in.RunId, len(scenes))

	o.wg.Add(1)
	go o.run(roomId, in, scenes, opts)

	return nil
}

// Reset clears the room's generation. In-flight work of the old run is not
// aborted, but none of its later writes reach the room.
func (o *Orchestrator) Reset(roomId string) {
	o.log.Printf("room %q: generation reset", roomId)
	o.rooms.SetGeneration(roomId, nil)
}

// Shutdown cancels every running generation and waits for them to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) run(roomId string, in rooms.RunInput, scenes []string, opts Options) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			o.fail(roomId, in.RunId, fmt.Errorf("generation panicked: %v", r))
		}
	}()

	err := o.execute(o.ctx, roomId, in, scenes, opts)
	switch {
	case err == nil:
		o.log.Printf("room %q: generation %s done", roomId, in.RunId)
	case errors.Is(err, errDetached):
		o.log.Printf("room %q: generation %s detached, discarding results", roomId, in.RunId)
	default:
		o.fail(roomId, in.RunId, err)
	}
}

func (o *Orchestrator) fail(roomId, runId string, err error) {
	o.log.Printf("room %q: generation %s failed: %v", roomId, runId, err)
	o.stats.Incr(stats.MetricGenerationsFailed)
	o.rooms.UpdateGeneration(roomId, runId, func(g *types.Generation) {
		g.Stage = types.StageError
		g.Error = err.Error()
	})
}

func (o *Orchestrator) advance(roomId, runId string, stage types.Stage) error {
	ok := o.rooms.UpdateGeneration(roomId, runId, func(g *types.Generation) {
		g.Stage = stage
	})
	if !ok {
		return errDetached
	}

	o.log.Printf("room %q: generation %s entered %s", roomId, runId, stage)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, roomId string, in rooms.RunInput, scenes []string, opts Options) error {
	imageUrls, err := o.generateImages(ctx, roomId, in, scenes, opts.ImagePrompt)
	if err != nil {
		return err
	}

	if err := o.advance(roomId, in.RunId, types.StageGeneratingVideos); err != nil {
		return err
	}

	videoPrompt := opts.VideoPrompt
	if videoPrompt == "" {
		videoPrompt = o.defaults.VideoPrompt
	}
	videoUrls, err := o.generateVideos(ctx, roomId, in.RunId, imageUrls, videoPrompt)
	if err != nil {
		return err
	}

	if err := o.advance(roomId, in.RunId, types.StageMerging); err != nil {
		return err
	}

	merged, err := o.Merge(ctx, videoUrls)
	if err != nil {
		return err
	}

	ok := o.rooms.UpdateGeneration(roomId, in.RunId, func(g *types.Generation) {
		g.Stage = types.StageDone
		g.MergedVideoUrl = merged
	})
	if !ok {
		return errDetached
	}

	return nil
}

func (o *Orchestrator) generateImages(ctx context.Context, roomId string, in rooms.RunInput, scenes []string, explicitPrompt string) ([]string, error) {
	prompt := ResolveImagePrompt(explicitPrompt, len(in.CharacterUrls), len(in.OutfitUrls))
	urls := make([]string, len(scenes))

	g, gctx := errgroup.WithContext(ctx)
	for i, scene := range scenes {
		g.Go(guard(func() error {
			inputs := make([]string, 0, len(in.CharacterUrls)+len(in.OutfitUrls)+1)
			inputs = append(inputs, in.CharacterUrls...)
			inputs = append(inputs, in.OutfitUrls...)
			inputs = append(inputs, scene)

			url, err := o.svc.Images.ComposeImage(gctx, ImageRequest{
				Prompt:       prompt,
				ImageUrls:    inputs,
				AspectRatio:  imageAspectRatio,
				OutputFormat: imageFormat,
				Resolution:   imageResolution,
			})
			if errors.Is(err, ErrNoOutput) || (err == nil && url == "") {
				return fmt.Errorf("no image returned for scene %d", i+1)
			}
			if err != nil {
				return fmt.Errorf("scene %d: compose image: %w", i+1, err)
			}

			urls[i] = url
			o.rooms.UpdateRunPipeline(roomId, in.RunId, i, types.PipelineStatus{ImageDone: true, ImageUrl: url})
			return nil
		}))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func (o *Orchestrator) generateVideos(ctx context.Context, roomId, runId string, imageUrls []string, prompt string) ([]string, error) {
	urls := make([]string, len(imageUrls))

	g, gctx := errgroup.WithContext(ctx)
	for i, imageUrl := range imageUrls {
		g.Go(guard(func() error {
			url, err := o.Animate(gctx, imageUrl, prompt)
			if err != nil {
				return fmt.Errorf("scene %d: %w", i+1, err)
			}

			urls[i] = url
			o.rooms.UpdateRunPipeline(roomId, runId, i, types.PipelineStatus{VideoDone: true, VideoUrl: url})
			return nil
		}))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

// guard converts a panic in a stage worker into an error.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}
}

// Animate produces a single clip from imageUrl. An empty prompt uses the
// configured default.
func (o *Orchestrator) Animate(ctx context.Context, imageUrl, prompt string) (string, error) {
	if prompt == "" {
		prompt = o.defaults.VideoPrompt
	}

	url, err := o.svc.Videos.AnimateImage(ctx, VideoRequest{
		Prompt:     prompt,
		ImageUrl:   imageUrl,
		Duration:   videoDuration,
		Resolution: videoResolution,
	})
	if errors.Is(err, ErrNoOutput) || (err == nil && url == "") {
		return "", errors.New("no video returned")
	}
	if err != nil {
		return "", fmt.Errorf("animate image: %w", err)
	}

	return url, nil
}

// Merge concatenates videoUrls in order into a single clip.
func (o *Orchestrator) Merge(ctx context.Context, videoUrls []string) (string, error) {
	url, err := o.svc.Merger.MergeVideos(ctx, MergeRequest{
		VideoUrls:  videoUrls,
		Resolution: mergeResolution,
	})
	if errors.Is(err, ErrNoOutput) || (err == nil && url == "") {
		return "", errors.New("no merged video returned")
	}
	if err != nil {
		return "", fmt.Errorf("merge videos: %w", err)
	}

	return url, nil
}
