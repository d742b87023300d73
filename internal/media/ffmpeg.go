package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Engine is the muxing/probing boundary the pipeline consumes.
type Engine interface {
	// Probe returns the duration of a media file.
	Probe(ctx context.Context, path string) (time.Duration, error)
	// MuxLoop renders out from a video looped to cover the concatenation of
	// the audio inputs, bounded by the audio length. Overwrites out.
	MuxLoop(ctx context.Context, video string, audio []string, out string) error
	// ExtractFrame grabs a single video frame at the given offset.
	ExtractFrame(ctx context.Context, video, out string, at time.Duration) error
}

// FFmpeg shells out to ffmpeg/ffprobe.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
}

// NewFFmpeg wraps the given binary paths.
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

// Probe reads the container duration via ffprobe.
func (f *FFmpeg) Probe(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// MuxLoop encodes a single H.264/AAC file from the looped video and the
// sequentially joined audio inputs. -shortest bounds the output to the audio
// since the looped video is unbounded.
func (f *FFmpeg) MuxLoop(ctx context.Context, video string, audio []string, out string) error {
	if len(audio) == 0 {
		return fmt.Errorf("mux: no audio inputs")
	}
	cmd := exec.CommandContext(ctx, f.ffmpeg, muxLoopArgs(video, audio, out)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg mux: %s", firstErrLine(stderr.String(), err))
	}
	return nil
}

// ExtractFrame writes one frame as an image, overwriting out.
func (f *FFmpeg) ExtractFrame(ctx context.Context, video, out string, at time.Duration) error {
	cmd := exec.CommandContext(ctx, f.ffmpeg,
		"-ss", fmt.Sprintf("%.3f", at.Seconds()),
		"-i", video,
		"-frames:v", "1",
		"-y",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg frame: %s", firstErrLine(stderr.String(), err))
	}
	return nil
}

// muxLoopArgs builds the ffmpeg argument list. A single audio input is
// mapped directly; multiple inputs go through a concat filter (a=1, v=0),
// preserving input order with no gaps or re-timing.
func muxLoopArgs(video string, audio []string, out string) []string {
	args := []string{"-stream_loop", "-1", "-i", video}
	for _, a := range audio {
		args = append(args, "-i", a)
	}

	if len(audio) == 1 {
		args = append(args, "-map", "0:v:0", "-map", "1:a:0")
	} else {
		var filter strings.Builder
		for i := range audio {
			fmt.Fprintf(&filter, "[%d:a]", i+1)
		}
		fmt.Fprintf(&filter, "concat=n=%d:v=0:a=1[aout]", len(audio))
		args = append(args, "-filter_complex", filter.String(), "-map", "0:v:0", "-map", "[aout]")
	}

	args = append(args,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-shortest",
		"-y",
		out,
	)
	return args
}

func firstErrLine(stderr string, fallback error) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return fallback.Error()
}
