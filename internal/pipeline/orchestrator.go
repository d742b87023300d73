package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"clipmix/internal/download"
	"clipmix/internal/media"
	"clipmix/internal/models"
	"clipmix/internal/storage"
	"clipmix/internal/telemetry"
)

// JobStore is the slice of the registry the pipeline needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	SetStage(ctx context.Context, id, status string) error
	MarkCompleted(ctx context.Context, id, outputName string) error
	MarkFailed(ctx context.Context, id, cause string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// AudioStream is the assembled-audio handle the render stage consumes:
// an ordered input list plus the total duration of the join.
type AudioStream struct {
	Inputs   []string
	Duration time.Duration
}

// Orchestrator drives one job through acquisition, assembly, and render,
// records the terminal state, and always cleans up the job's temporary
// artifacts. It holds no state across jobs.
type Orchestrator struct {
	store      JobStore
	layout     *storage.Layout
	downloader download.Downloader
	engine     media.Engine
	mirror     storage.Mirror

	audioCodec      string
	downloadTimeout time.Duration
	renderTimeout   time.Duration
	thumbWidth      int

	// KeepAlive, when set, is invoked before each blocking external-engine
	// stage so the caller can extend its queue lease.
	KeepAlive func(ctx context.Context, jobID string, d time.Duration)
}

// Options configures an Orchestrator.
type Options struct {
	AudioCodec      string
	DownloadTimeout time.Duration
	RenderTimeout   time.Duration
	ThumbWidth      int
}

// NewOrchestrator wires the pipeline's collaborators. mirror may be nil.
func NewOrchestrator(st JobStore, layout *storage.Layout, dl download.Downloader, engine media.Engine, mirror storage.Mirror, opts Options) *Orchestrator {
	if opts.AudioCodec == "" {
		opts.AudioCodec = "mp3"
	}
	if opts.DownloadTimeout == 0 {
		opts.DownloadTimeout = 15 * time.Minute
	}
	if opts.RenderTimeout == 0 {
		opts.RenderTimeout = 30 * time.Minute
	}
	if opts.ThumbWidth == 0 {
		opts.ThumbWidth = 480
	}
	return &Orchestrator{
		store:           st,
		layout:          layout,
		downloader:      dl,
		engine:          engine,
		mirror:          mirror,
		audioCodec:      opts.AudioCodec,
		downloadTimeout: opts.DownloadTimeout,
		renderTimeout:   opts.RenderTimeout,
		thumbWidth:      opts.ThumbWidth,
	}
}

// Run executes the full pipeline for one job and returns the stage error
// that failed it, or nil on success. The terminal status and cleanup are
// handled here; errors never propagate past this boundary. A run cut short
// by worker shutdown is not a failure: the job keeps its artifacts and its
// non-terminal status so lease expiry hands it to a live worker.
func (o *Orchestrator) Run(ctx context.Context, job models.Job) error {
	stream, err := o.acquireAndAssemble(ctx, job)
	var outputPath string
	if err == nil {
		outputPath, err = o.render(ctx, job, stream)
	}

	if err != nil && ctx.Err() != nil {
		log.Printf("[%s] interrupted mid-run, leaving job for lease reclaim: %v", job.ID, err)
		return err
	}

	// The worker may be mid-shutdown by now; the terminal transition and
	// cleanup must still land.
	tctx := context.WithoutCancel(ctx)
	defer o.cleanup(job)

	if err != nil {
		o.fail(tctx, job, err)
		return err
	}
	o.finish(tctx, job, outputPath)
	return nil
}

func (o *Orchestrator) acquireAndAssemble(ctx context.Context, job models.Job) (AudioStream, error) {
	_ = o.store.SetStage(ctx, job.ID, models.StatusDownloading)
	_ = o.store.AppendAudit(ctx, job.ID, "downloading", fmt.Sprintf("sources=%d", len(job.SourceURLs)))
	log.Printf("[%s] downloading %d audio sources", job.ID, len(job.SourceURLs))

	o.keepAlive(ctx, job.ID, o.downloadTimeout)
	dctx, cancel := context.WithTimeout(ctx, o.downloadTimeout)
	defer cancel()

	artifacts, err := o.downloader.Download(dctx, job.SourceURLs, o.layout.WorkPrefix(job.ID), o.audioCodec)
	if err != nil {
		return AudioStream{}, fmt.Errorf("%w: %v", ErrNoAudioResolved, err)
	}
	if len(artifacts) == 0 {
		return AudioStream{}, ErrNoAudioResolved
	}

	_ = o.store.SetStage(ctx, job.ID, models.StatusAssembling)
	return o.assemble(ctx, job, artifacts)
}

// assemble validates the artifact set and builds the concatenation plan.
// A single artifact passes through unchanged; multiple artifacts are joined
// sequentially in the given order.
func (o *Orchestrator) assemble(ctx context.Context, job models.Job, artifacts []string) (AudioStream, error) {
	if len(artifacts) == 0 {
		return AudioStream{}, ErrNoAudioInput
	}

	var total time.Duration
	for _, a := range artifacts {
		d, err := o.engine.Probe(ctx, a)
		if err != nil {
			// A probe failure does not abort the join; duration is
			// informational and ffmpeg validates inputs itself.
			log.Printf("[%s] probe %s: %v", job.ID, filepath.Base(a), err)
			continue
		}
		total += d
	}
	log.Printf("[%s] assembled %d artifacts, total audio %s", job.ID, len(artifacts), total.Round(time.Second))
	return AudioStream{Inputs: artifacts, Duration: total}, nil
}

func (o *Orchestrator) render(ctx context.Context, job models.Job, stream AudioStream) (string, error) {
	_ = o.store.SetStage(ctx, job.ID, models.StatusRendering)
	_ = o.store.AppendAudit(ctx, job.ID, "rendering", fmt.Sprintf("inputs=%d audio=%s", len(stream.Inputs), stream.Duration.Round(time.Second)))

	o.keepAlive(ctx, job.ID, o.renderTimeout)
	rctx, cancel := context.WithTimeout(ctx, o.renderTimeout)
	defer cancel()

	outputPath := o.layout.OutputPath(job.ID)
	start := time.Now()
	if err := o.engine.MuxLoop(rctx, job.VideoPath, stream.Inputs, outputPath); err != nil {
		// A partial output is not a valid artifact.
		_, _ = o.layout.RemoveIfExists(outputPath)
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	telemetry.RenderDuration.Observe(time.Since(start).Seconds())
	return outputPath, nil
}

func (o *Orchestrator) finish(ctx context.Context, job models.Job, outputPath string) {
	o.writeThumbnail(ctx, job, outputPath)

	if o.mirror != nil {
		if loc, err := o.mirror.Upload(ctx, outputPath, "video/mp4"); err != nil {
			log.Printf("[%s] mirror output: %v", job.ID, err)
		} else {
			log.Printf("[%s] mirrored output to %s", job.ID, loc)
		}
	}

	outputName := filepath.Base(outputPath)
	_ = o.store.MarkCompleted(ctx, job.ID, outputName)
	_ = o.store.AppendAudit(ctx, job.ID, "completed", outputName)
	telemetry.JobsCompleted.Inc()
	log.Printf("[%s] completed, output %s", job.ID, outputName)
}

func (o *Orchestrator) fail(ctx context.Context, job models.Job, cause error) {
	_ = o.store.MarkFailed(ctx, job.ID, cause.Error())
	_ = o.store.AppendAudit(ctx, job.ID, "failed", cause.Error())
	telemetry.JobsFailed.Inc()
	log.Printf("[%s] failed: %v", job.ID, cause)
}

// writeThumbnail extracts a poster frame from the rendered output and saves
// a downscaled JPEG next to it. Best effort: a job does not fail over its
// thumbnail.
func (o *Orchestrator) writeThumbnail(ctx context.Context, job models.Job, outputPath string) {
	framePath := o.layout.WorkFile(job.ID, "poster.png")
	if err := o.engine.ExtractFrame(ctx, outputPath, framePath, 0); err != nil {
		log.Printf("[%s] poster frame: %v", job.ID, err)
		return
	}
	frame, err := imaging.Open(framePath)
	if err != nil {
		log.Printf("[%s] decode poster frame: %v", job.ID, err)
		return
	}
	thumb := imaging.Resize(frame, o.thumbWidth, 0, imaging.Lanczos)
	if err := imaging.Save(thumb, o.layout.ThumbPath(job.ID), imaging.JPEGQuality(85)); err != nil {
		log.Printf("[%s] save thumbnail: %v", job.ID, err)
	}
}

// cleanup purges the job's temporary artifacts and its uploaded video.
// Runs whenever a job reaches a terminal state; deletion problems are
// logged and never touch the job's terminal state.
func (o *Orchestrator) cleanup(job models.Job) {
	removed, err := o.layout.PurgeWork(job.ID)
	if err != nil {
		log.Printf("[%s] purge work artifacts: %v", job.ID, err)
	}
	if _, err := o.layout.RemoveIfExists(job.VideoPath); err != nil {
		log.Printf("[%s] remove uploaded video: %v", job.ID, err)
	}
	log.Printf("[%s] cleanup removed %d work artifacts", job.ID, removed)
}

func (o *Orchestrator) keepAlive(ctx context.Context, jobID string, d time.Duration) {
	if o.KeepAlive != nil {
		o.KeepAlive(ctx, jobID, d)
	}
}
