// Package ffmpeg merges video files by running the ffmpeg binary.
//
// Every input is scaled and padded to the output frame and joined with the
// concat filter. If that fails (typically a clip without an audio stream)
// the concat demuxer is tried once before giving up.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"storypipe/internal/domain"
	logx "storypipe/pkg/logx"
)

type Options struct {
	Binary  string
	Width   int
	Height  int
	CRF     int
	Timeout time.Duration
}

type Encoder struct {
	opts Options
	log  logx.Logger
	// run is swapped in tests.
	run func(ctx context.Context, bin string, args []string) (stderr []byte, err error)
}

func New(opts Options, log logx.Logger) *Encoder {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.Width <= 0 {
		opts.Width = 1080
	}
	if opts.Height <= 0 {
		opts.Height = 1920
	}
	if opts.CRF <= 0 {
		opts.CRF = 23
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Encoder{opts: opts, log: log.Component("ffmpeg"), run: runCmd}
}

// Available reports whether the binary can be resolved.
func (e *Encoder) Available() bool {
	_, err := exec.LookPath(e.opts.Binary)
	return err == nil
}

// Merge encodes inputs, in order, into out. The output appears atomically.
func (e *Encoder) Merge(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: nothing to merge", domain.ErrNotFound)
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(out), "."+filepath.Base(out)+".part.mp4")
	defer os.Remove(tmp)

	stderr, err := e.run(ctx, e.opts.Binary, e.filterArgs(inputs, tmp))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn("concat filter failed, trying demuxer", logx.String("out", filepath.Base(out)), logx.String("stderr", tail(stderr)))
		stderr, err = e.demux(ctx, inputs, tmp)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("merge %s: %w: %v: %s", filepath.Base(out), domain.ErrEncoding, err, tail(stderr))
		}
	}
	if err := os.Rename(tmp, out); err != nil {
		return fmt.Errorf("merge %s: %w", filepath.Base(out), err)
	}
	return nil
}

func (e *Encoder) scale() string {
	w, h := strconv.Itoa(e.opts.Width), strconv.Itoa(e.opts.Height)
	return "scale=" + w + ":" + h + ":force_original_aspect_ratio=decrease,pad=" + w + ":" + h + ":(ow-iw)/2:(oh-ih)/2,setsar=1"
}

func (e *Encoder) encodeArgs() []string {
	return []string{
		"-c:v", "libx264", "-preset", "medium", "-crf", strconv.Itoa(e.opts.CRF),
		"-c:a", "aac", "-b:a", "128k", "-movflags", "+faststart",
	}
}

func (e *Encoder) filterArgs(inputs []string, out string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	var vf, vLabels, aLabels strings.Builder
	for i, in := range inputs {
		args = append(args, "-i", in)
		fmt.Fprintf(&vf, "[%d:v]%s[v%d];", i, e.scale(), i)
		fmt.Fprintf(&vLabels, "[v%d]", i)
		fmt.Fprintf(&aLabels, "[%d:a]", i)
	}
	n := len(inputs)
	graph := fmt.Sprintf("%s%sconcat=n=%d:v=1:a=0[outv];%sconcat=n=%d:v=0:a=1[outa]", vf.String(), vLabels.String(), n, aLabels.String(), n)
	args = append(args, "-filter_complex", graph, "-map", "[outv]", "-map", "[outa]")
	args = append(args, e.encodeArgs()...)
	return append(args, out)
}

func (e *Encoder) demux(ctx context.Context, inputs []string, out string) ([]byte, error) {
	list, err := os.CreateTemp("", "storypipe-concat-*.txt")
	if err != nil {
		return nil, err
	}
	defer os.Remove(list.Name())
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		fmt.Fprintf(list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := list.Close(); err != nil {
		return nil, err
	}
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-f", "concat", "-safe", "0", "-i", list.Name(), "-vf", e.scale()}
	args = append(args, e.encodeArgs()...)
	return e.run(ctx, e.opts.Binary, append(args, out))
}

func runCmd(ctx context.Context, bin string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	var ee *exec.Error
	if errors.As(err, &ee) {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return stderr.Bytes(), err
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 400 {
		s = "..." + s[len(s)-400:]
	}
	return s
}
