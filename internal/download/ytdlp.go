package download

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Downloader resolves source URLs to local audio files. Implementations
// return the produced paths explicitly rather than leaving callers to scan
// the filesystem, so ordering is never ambiguous.
type Downloader interface {
	// Download fetches the best audio track for each URL, transcoded to
	// codec, writing files under prefix with an auto-incrementing index.
	// URLs that fail to resolve are skipped; the returned list contains
	// only the artifacts that were actually produced, in index order.
	Download(ctx context.Context, urls []string, prefix string, codec string) ([]string, error)
}

// YTDLP shells out to the yt-dlp binary.
type YTDLP struct {
	binary string
}

// NewYTDLP wraps the given yt-dlp binary path.
func NewYTDLP(binary string) *YTDLP {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YTDLP{binary: binary}
}

// Download runs one yt-dlp batch for all URLs. Per-URL failures are ignored
// (--ignore-errors); a non-zero exit is only an error when nothing at all
// was produced, which the pipeline treats as an acquisition failure anyway.
func (y *YTDLP) Download(ctx context.Context, urls []string, prefix string, codec string) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	// %(autonumber)03d keeps one file per URL and embeds the index that the
	// concatenation order relies on.
	template := prefix + "%(autonumber)03d.%(ext)s"
	args := []string{
		"--extract-audio",
		"--audio-format", codec,
		"--output", template,
		"--print", "after_move:filepath",
		"--no-progress",
		"--no-warnings",
		"--ignore-errors",
	}
	args = append(args, urls...)

	cmd := exec.CommandContext(ctx, y.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	paths := parseProducedPaths(stdout.String(), prefix)
	if len(paths) == 0 && runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, fmt.Errorf("yt-dlp: %s", msg)
	}
	return paths, nil
}

// parseProducedPaths extracts artifact paths from yt-dlp's --print output
// and sorts them by filename. The zero-padded index in each name makes the
// lexicographic order match the request order.
func parseProducedPaths(out string, prefix string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		paths = append(paths, line)
	}
	sort.Slice(paths, func(i, j int) bool {
		return filepath.Base(paths[i]) < filepath.Base(paths[j])
	})
	return paths
}
