package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	base := t.TempDir()
	l, err := NewLayout(
		filepath.Join(base, "uploads"),
		filepath.Join(base, "work"),
		filepath.Join(base, "outputs"),
	)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	return l
}

func TestSaveUpload(t *testing.T) {
	l := newTestLayout(t)

	path, err := l.SaveUpload("job-1", "clip.mp4", strings.NewReader("video-bytes"), 1024)
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}
	if filepath.Base(path) != "job-1_clip.mp4" {
		t.Fatalf("unexpected upload name %q", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "video-bytes" {
		t.Fatalf("unexpected upload contents %q err=%v", data, err)
	}
}

func TestSaveUploadRejectsOversize(t *testing.T) {
	l := newTestLayout(t)

	_, err := l.SaveUpload("job-1", "clip.mp4", strings.NewReader("0123456789"), 5)
	if err == nil {
		t.Fatalf("expected oversize upload to fail")
	}
}

func TestSaveUploadStripsPathComponents(t *testing.T) {
	l := newTestLayout(t)

	path, err := l.SaveUpload("job-1", "../../etc/passwd", strings.NewReader("x"), 1024)
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}
	if strings.Contains(filepath.Base(path), "..") {
		t.Fatalf("traversal survived sanitization: %q", path)
	}
}

func TestPurgeWorkIsScopedToJob(t *testing.T) {
	l := newTestLayout(t)

	// Two jobs share the work namespace; only the purged job's files go.
	for _, name := range []string{"job-1_audio_001.mp3", "job-1_audio_002.mp3", "job-2_audio_001.mp3"} {
		path := filepath.Join(filepath.Dir(l.WorkPrefix("job-1")), name)
		if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
			t.Fatalf("seed work file: %v", err)
		}
	}

	removed, err := l.PurgeWork("job-1")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	leftovers, _ := filepath.Glob(l.WorkPrefix("job-1") + "*")
	if len(leftovers) != 0 {
		t.Fatalf("job-1 artifacts remain: %v", leftovers)
	}
	other, _ := filepath.Glob(l.WorkPrefix("job-2") + "*")
	if len(other) != 1 {
		t.Fatalf("job-2 artifacts disturbed: %v", other)
	}
}

func TestRemoveIfExistsIsIdempotent(t *testing.T) {
	l := newTestLayout(t)

	path, err := l.SaveUpload("job-1", "clip.mp4", strings.NewReader("x"), 1024)
	if err != nil {
		t.Fatalf("save upload: %v", err)
	}

	ok, err := l.RemoveIfExists(path)
	if err != nil || !ok {
		t.Fatalf("first remove: ok=%v err=%v", ok, err)
	}
	ok, err = l.RemoveIfExists(path)
	if err != nil || ok {
		t.Fatalf("second remove should be a no-op: ok=%v err=%v", ok, err)
	}
}

func TestListAndOpenOutput(t *testing.T) {
	l := newTestLayout(t)

	out := l.OutputPath("job-1")
	if err := os.WriteFile(out, []byte("rendered"), 0o644); err != nil {
		t.Fatalf("seed output: %v", err)
	}

	outputs, err := l.ListOutputs()
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Name != "job-1.mp4" || outputs[0].Size != int64(len("rendered")) {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}

	// Repeated reads return identical bytes.
	for i := 0; i < 2; i++ {
		f, _, err := l.OpenOutput("job-1.mp4")
		if err != nil {
			t.Fatalf("open output: %v", err)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, f); err != nil {
			t.Fatalf("read output: %v", err)
		}
		f.Close()
		if buf.String() != "rendered" {
			t.Fatalf("unexpected output bytes %q", buf.String())
		}
	}
}

func TestOpenOutputRejectsTraversal(t *testing.T) {
	l := newTestLayout(t)

	if _, _, err := l.OpenOutput("../secrets.txt"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, _, err := l.OpenOutput("missing.mp4"); err == nil {
		t.Fatalf("expected missing output to error")
	}
}
