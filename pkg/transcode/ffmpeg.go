// Package transcode runs media files through ffmpeg to produce the 2x-speed
// variant plus a thumbnail and a short preview clip, and drives the results
// into the object store through a fixed worker pool.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Subprocess timeouts. The 2x transform itself is unbounded but cancellable.
const (
	probeTimeout     = 30 * time.Second
	thumbnailTimeout = 30 * time.Second
	previewTimeout   = 60 * time.Second
)

const stderrTailLimit = 1024

// MediaProcessor is the subprocess surface the engine drives. Split out as an
// interface so engine tests run without ffmpeg installed.
type MediaProcessor interface {
	HasAudio(ctx context.Context, path string) (bool, error)
	Duration(ctx context.Context, path string) (float64, error)
	Thumbnail(ctx context.Context, inPath, outPath string, duration float64) error
	Preview(ctx context.Context, inPath, outPath string, duration float64) error

	// SpeedUp produces the 2x variant. onStart receives the live process so
	// the caller can register it for cancellation.
	SpeedUp(ctx context.Context, inPath, outPath string, hasAudio bool, onStart func(*os.Process)) error
}

// CommandError carries the tail of a failed subprocess's diagnostic stream.
type CommandError struct {
	Name   string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Name, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if len(s) > stderrTailLimit {
		s = s[len(s)-stderrTailLimit:]
	}
	return s
}

// Processor shells out to ffmpeg and ffprobe.
type Processor struct {
	FFmpeg  string
	FFprobe string
}

// NewProcessor builds a Processor, defaulting to the binaries on PATH.
func NewProcessor(ffmpeg, ffprobe string) Processor {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return Processor{FFmpeg: ffmpeg, FFprobe: ffprobe}
}

func (p Processor) probe(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.FFprobe, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Name: "ffprobe", Stderr: stderrTail(&stderr), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// HasAudio reports whether the file carries at least one audio stream.
func (p Processor) HasAudio(ctx context.Context, path string) (bool, error) {
	out, err := p.probe(ctx,
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Duration returns the container duration in seconds, 0 when the container
// does not report one.
func (p Processor) Duration(ctx context.Context, path string) (float64, error) {
	out, err := p.probe(ctx,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)
	if err != nil {
		return 0, err
	}
	if out == "" {
		return 0, nil
	}
	d, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", out, err)
	}
	return d, nil
}

func (p Processor) runFFmpeg(ctx context.Context, timeout time.Duration, onStart func(*os.Process), args ...string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.FFmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.FFmpeg, err)
	}
	if onStart != nil {
		onStart(cmd.Process)
	}
	if err := cmd.Wait(); err != nil {
		return &CommandError{Name: "ffmpeg", Stderr: stderrTail(&stderr), Err: err}
	}
	return nil
}

// Thumbnail extracts one JPEG frame scaled to width 640, taken at t=1s or
// t=0 when the input is shorter.
func (p Processor) Thumbnail(ctx context.Context, inPath, outPath string, duration float64) error {
	timestamp := 1
	if duration > 0 && duration <= 1 {
		timestamp = 0
	}

	return p.runFFmpeg(ctx, thumbnailTimeout, nil,
		"-y",
		"-ss", strconv.Itoa(timestamp),
		"-i", inPath,
		"-vframes", "1",
		"-vf", "scale=640:-2",
		"-q:v", "2",
		outPath,
	)
}

// Preview generates a muted clip of at most 5 seconds starting at t=1s,
// scaled to width 480, encoded with the fastest preset and front-loaded
// metadata for progressive playback.
func (p Processor) Preview(ctx context.Context, inPath, outPath string, duration float64) error {
	start, clip := 1.0, 5.0
	if duration > 0 {
		if start >= duration {
			start = 0
		}
		if start+clip > duration {
			clip = duration - start
			if clip < 1 {
				clip = 1
			}
		}
	}

	return p.runFFmpeg(ctx, previewTimeout, nil,
		"-y",
		"-ss", formatSeconds(start),
		"-i", inPath,
		"-t", formatSeconds(clip),
		"-vf", "scale=480:-2",
		"-an",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-crf", "28",
		"-movflags", "+faststart",
		"-pix_fmt", "yuv420p",
		outPath,
	)
}

// SpeedUp runs the 2x transform: video timebase halved, audio (when present)
// retimed and re-encoded AAC at 128k.
func (p Processor) SpeedUp(ctx context.Context, inPath, outPath string, hasAudio bool, onStart func(*os.Process)) error {
	args := []string{
		"-y",
		"-i", inPath,
		"-threads", "0",
		"-preset", "veryfast",
		"-crf", "23",
	}
	if hasAudio {
		args = append(args,
			"-filter_complex", "[0:v]setpts=0.5*PTS[v];[0:a]atempo=2.0[a]",
			"-map", "[v]", "-map", "[a]",
			"-c:a", "aac", "-b:a", "128k",
		)
	} else {
		args = append(args,
			"-filter_complex", "[0:v]setpts=0.5*PTS[v]",
			"-map", "[v]",
		)
	}
	args = append(args, "-movflags", "+faststart", outPath)

	return p.runFFmpeg(ctx, 0, onStart, args...)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
