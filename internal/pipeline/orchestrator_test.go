package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clipmix/internal/models"
	"clipmix/internal/storage"
)

type fakeStore struct {
	statuses []string
	output   string
	cause    string
	audits   []string
}

func (s *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	return models.Job{}, errors.New("not implemented")
}

func (s *fakeStore) SetStage(_ context.Context, _, status string) error {
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, _, outputName string) error {
	s.statuses = append(s.statuses, models.StatusCompleted)
	s.output = outputName
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, _, cause string) error {
	s.statuses = append(s.statuses, models.StatusFailed)
	s.cause = cause
	return nil
}

func (s *fakeStore) AppendAudit(_ context.Context, _, event, _ string) error {
	s.audits = append(s.audits, event)
	return nil
}

type fakeDownloader struct {
	produce int
	err     error
}

func (d *fakeDownloader) Download(ctx context.Context, urls []string, prefix, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}
	n := d.produce
	if n > len(urls) {
		n = len(urls)
	}
	var paths []string
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("%s%03d.mp3", prefix, i+1)
		if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

type fakeEngine struct {
	durations map[string]time.Duration
	muxErr    error
	muxCalls  [][]string
}

func (e *fakeEngine) Probe(_ context.Context, path string) (time.Duration, error) {
	if d, ok := e.durations[filepath.Base(path)]; ok {
		return d, nil
	}
	return 3 * time.Second, nil
}

func (e *fakeEngine) MuxLoop(_ context.Context, video string, audio []string, out string) error {
	e.muxCalls = append(e.muxCalls, audio)
	if e.muxErr != nil {
		// Leave a partial file behind like a crashed encoder would.
		_ = os.WriteFile(out, []byte("partial"), 0o644)
		return e.muxErr
	}
	return os.WriteFile(out, []byte("muxed"), 0o644)
}

func (e *fakeEngine) ExtractFrame(_ context.Context, _, out string, _ time.Duration) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, image.NewRGBA(image.Rect(0, 0, 8, 8)))
}

type testRig struct {
	store  *fakeStore
	layout *storage.Layout
	orch   *Orchestrator
	job    models.Job
}

func newTestRig(t *testing.T, dl *fakeDownloader, engine *fakeEngine, urls []string) testRig {
	t.Helper()
	base := t.TempDir()
	layout, err := storage.NewLayout(
		filepath.Join(base, "uploads"),
		filepath.Join(base, "work"),
		filepath.Join(base, "outputs"),
	)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}

	st := &fakeStore{}
	orch := NewOrchestrator(st, layout, dl, engine, nil, Options{ThumbWidth: 4})

	videoPath, err := layout.SaveUpload("job-1", "clip.mp4", strings.NewReader("video"), 1024)
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}

	return testRig{
		store:  st,
		layout: layout,
		orch:   orch,
		job: models.Job{
			ID:         "job-1",
			VideoPath:  videoPath,
			SourceURLs: urls,
			Status:     models.StatusQueued,
		},
	}
}

func assertCleanedUp(t *testing.T, rig testRig) {
	t.Helper()
	leftovers, _ := filepath.Glob(rig.layout.WorkPrefix(rig.job.ID) + "*")
	if len(leftovers) != 0 {
		t.Fatalf("work artifacts remain after terminal state: %v", leftovers)
	}
	if _, err := os.Stat(rig.job.VideoPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("uploaded video not removed: %v", err)
	}
}

func TestRunCompletesAndCleansUp(t *testing.T) {
	engine := &fakeEngine{durations: map[string]time.Duration{
		"job-1_audio_001.mp3": 3 * time.Second,
		"job-1_audio_002.mp3": 4 * time.Second,
	}}
	rig := newTestRig(t, &fakeDownloader{produce: 2}, engine, []string{"urlA", "urlB"})

	if err := rig.orch.Run(context.Background(), rig.job); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		models.StatusDownloading,
		models.StatusAssembling,
		models.StatusRendering,
		models.StatusCompleted,
	}
	if len(rig.store.statuses) != len(want) {
		t.Fatalf("statuses %v, want %v", rig.store.statuses, want)
	}
	for i := range want {
		if rig.store.statuses[i] != want[i] {
			t.Fatalf("statuses %v, want %v", rig.store.statuses, want)
		}
	}
	if rig.store.output != "job-1.mp4" {
		t.Fatalf("output name %q", rig.store.output)
	}

	// Concatenation order follows the artifact index order.
	if len(engine.muxCalls) != 1 || len(engine.muxCalls[0]) != 2 {
		t.Fatalf("mux calls %v", engine.muxCalls)
	}
	if filepath.Base(engine.muxCalls[0][0]) != "job-1_audio_001.mp3" {
		t.Fatalf("unexpected first audio input %q", engine.muxCalls[0][0])
	}

	if _, err := os.Stat(rig.layout.OutputPath("job-1")); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if _, err := os.Stat(rig.layout.ThumbPath("job-1")); err != nil {
		t.Fatalf("thumbnail missing: %v", err)
	}
	assertCleanedUp(t, rig)
}

func TestRunFailsWhenNothingResolves(t *testing.T) {
	rig := newTestRig(t, &fakeDownloader{produce: 0}, &fakeEngine{}, []string{"urlA"})

	err := rig.orch.Run(context.Background(), rig.job)
	if !errors.Is(err, ErrNoAudioResolved) {
		t.Fatalf("expected ErrNoAudioResolved, got %v", err)
	}
	if rig.store.statuses[len(rig.store.statuses)-1] != models.StatusFailed {
		t.Fatalf("expected failed terminal state, got %v", rig.store.statuses)
	}
	if _, err := os.Stat(rig.layout.OutputPath("job-1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("no output should exist, stat err=%v", err)
	}
	assertCleanedUp(t, rig)
}

func TestRunFailsOnEmptyURLList(t *testing.T) {
	rig := newTestRig(t, &fakeDownloader{produce: 0}, &fakeEngine{}, nil)

	err := rig.orch.Run(context.Background(), rig.job)
	if !errors.Is(err, ErrNoAudioResolved) {
		t.Fatalf("expected ErrNoAudioResolved, got %v", err)
	}
	assertCleanedUp(t, rig)
}

func TestRunRemovesPartialOutputOnRenderFailure(t *testing.T) {
	engine := &fakeEngine{muxErr: errors.New("encoder crashed")}
	rig := newTestRig(t, &fakeDownloader{produce: 1}, engine, []string{"urlA"})

	err := rig.orch.Run(context.Background(), rig.job)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
	if rig.store.cause == "" {
		t.Fatalf("failure cause not recorded")
	}
	if _, err := os.Stat(rig.layout.OutputPath("job-1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial output should be removed, stat err=%v", err)
	}
	assertCleanedUp(t, rig)
}

func TestRunInterruptedByShutdownKeepsJobRetryable(t *testing.T) {
	rig := newTestRig(t, &fakeDownloader{produce: 1}, &fakeEngine{}, []string{"urlA"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rig.orch.Run(ctx, rig.job)
	if err == nil {
		t.Fatalf("expected a stage error from the cancelled run")
	}

	// The run was cut short, not failed: no terminal state, and the upload
	// stays on disk so a reclaimed lease can rerun the job.
	for _, st := range rig.store.statuses {
		if models.IsTerminal(st) {
			t.Fatalf("interrupted run reached terminal state %q", st)
		}
	}
	if _, err := os.Stat(rig.job.VideoPath); err != nil {
		t.Fatalf("uploaded video should survive an interrupted run: %v", err)
	}
}

func TestAssembleDuration(t *testing.T) {
	engine := &fakeEngine{durations: map[string]time.Duration{
		"a.mp3": 3 * time.Second,
		"b.mp3": 4 * time.Second,
	}}
	rig := newTestRig(t, &fakeDownloader{}, engine, nil)

	stream, err := rig.orch.assemble(context.Background(), rig.job, []string{"/x/a.mp3", "/x/b.mp3"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if stream.Duration != 7*time.Second {
		t.Fatalf("expected 7s total, got %s", stream.Duration)
	}

	if _, err := rig.orch.assemble(context.Background(), rig.job, nil); !errors.Is(err, ErrNoAudioInput) {
		t.Fatalf("expected ErrNoAudioInput, got %v", err)
	}
}
