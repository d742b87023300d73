package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Layout manages the three artifact namespaces: inbound uploads, per-job
// temporary work files, and completed outputs. Every filename is prefixed
// with the owning job ID, which is the sole isolation mechanism between
// concurrently running jobs.
type Layout struct {
	uploadDir string
	workDir   string
	outputDir string
}

// NewLayout creates the directories if needed.
func NewLayout(uploadDir, workDir, outputDir string) (*Layout, error) {
	l := &Layout{uploadDir: uploadDir, workDir: workDir, outputDir: outputDir}
	for _, dir := range []string{uploadDir, workDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return l, nil
}

// SaveUpload streams an uploaded video into the uploads namespace under the
// job's prefix, enforcing maxBytes. Returns the stored path.
func (l *Layout) SaveUpload(jobID, filename string, r io.Reader, maxBytes int64) (string, error) {
	base := sanitizeName(filename)
	if base == "" {
		base = "video"
	}
	path := filepath.Join(l.uploadDir, jobID+"_"+base)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(r, maxBytes+1))
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if n > maxBytes {
		_ = os.Remove(path)
		return "", fmt.Errorf("upload exceeds %d bytes", maxBytes)
	}
	return path, nil
}

// WorkPrefix returns the path prefix for a job's temporary audio artifacts.
// The downloader appends a zero-padded index so that sorting filenames
// recovers the concatenation order.
func (l *Layout) WorkPrefix(jobID string) string {
	return filepath.Join(l.workDir, jobID+"_audio_")
}

// WorkFile returns a path in the work namespace under the job's prefix.
func (l *Layout) WorkFile(jobID, name string) string {
	return filepath.Join(l.workDir, jobID+"_"+name)
}

// OutputPath returns the path of a job's final rendered file.
func (l *Layout) OutputPath(jobID string) string {
	return filepath.Join(l.outputDir, jobID+".mp4")
}

// ThumbPath returns the path of a job's poster thumbnail.
func (l *Layout) ThumbPath(jobID string) string {
	return filepath.Join(l.outputDir, jobID+".jpg")
}

// RemoveIfExists deletes a file and reports whether it was present.
// A missing file is not an error, which keeps cleanup idempotent.
func (l *Layout) RemoveIfExists(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// PurgeWork removes every temporary artifact bearing the job's prefix and
// returns how many files were deleted.
func (l *Layout) PurgeWork(jobID string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(l.workDir, jobID+"_") + "*")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if ok, err := l.RemoveIfExists(m); err != nil {
			return removed, err
		} else if ok {
			removed++
		}
	}
	return removed, nil
}

// OutputInfo describes one completed artifact.
type OutputInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListOutputs enumerates completed output files, sorted by name.
func (l *Layout) ListOutputs() ([]OutputInfo, error) {
	entries, err := os.ReadDir(l.outputDir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	outputs := make([]OutputInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		outputs = append(outputs, OutputInfo{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Name < outputs[j].Name })
	return outputs, nil
}

// OpenOutput opens a completed output by bare filename for serving.
// Rejects anything that is not a plain name inside the outputs namespace.
func (l *Layout) OpenOutput(name string) (*os.File, os.FileInfo, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, nil, os.ErrNotExist
	}
	f, err := os.Open(filepath.Join(l.outputDir, name))
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, os.ErrNotExist
	}
	return f, info, nil
}

func sanitizeName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = strings.ReplaceAll(base, string(filepath.Separator), "_")
	if base == "." || base == ".." {
		return ""
	}
	return base
}
