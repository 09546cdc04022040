package pipeline

import (
	"context"
)

type ImageRequest struct {
	Prompt string
	// ImageUrls are ordered: characters, then outfits, then the scene background.
	ImageUrls    []string
	AspectRatio  string
	OutputFormat string
	Resolution   string
}

type VideoRequest struct {
	Prompt     string
	ImageUrl   string
	Duration   int
	Resolution string
}

type MergeRequest struct {
	// VideoUrls are merged in order.
	VideoUrls  []string
	Resolution string
}

// ImageComposer places reference images into a scene and returns the URL of
// the composed image.
type ImageComposer interface {
	ComposeImage(ctx context.Context, req ImageRequest) (string, error)
}

// VideoAnimator turns a single image into a short clip and returns its URL.
type VideoAnimator interface {
	AnimateImage(ctx context.Context, req VideoRequest) (string, error)
}

// VideoMerger concatenates clips and returns the URL of the result.
type VideoMerger interface {
	MergeVideos(ctx context.Context, req MergeRequest) (string, error)
}

type Services struct {
	Images ImageComposer
	Videos VideoAnimator
	Merger VideoMerger
}
