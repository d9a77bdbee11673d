package utils

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/andresmejia3/scrubber/internal/types"
)

// FrameReader decodes a video into grayscale frames through an FFmpeg
// rawvideo pipe. Each frame is exactly width*height bytes on the pipe.
type FrameReader struct {
	cmd    *SafeCommand
	out    io.ReadCloser
	width  int
	height int
	index  int
	done   bool
}

// NewFFmpegRawDecoder builds the decoder command. inputOpts are placed before
// -i, e.g. "-hwaccel auto".
func NewFFmpegRawDecoder(ctx context.Context, ffmpeg, path, inputOpts string) *SafeCommand {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, strings.Fields(inputOpts)...)
	args = append(args, "-i", path, "-map", "0:v:0", "-fps_mode", "passthrough",
		"-f", "rawvideo", "-pix_fmt", "gray", "pipe:1")
	return NewSafeCommand(ctx, ffmpeg, args...)
}

// StartFrameReader launches FFmpeg and returns a reader over its frames.
func StartFrameReader(ctx context.Context, ffmpeg, path string, width, height int, inputOpts string) (*FrameReader, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame reader: invalid size %dx%d", width, height)
	}
	cmd := NewFFmpegRawDecoder(ctx, ffmpeg, path, inputOpts)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("frame reader: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("frame reader: start ffmpeg: %w", err)
	}
	return NewFrameReader(cmd, out, width, height), nil
}

// NewFrameReader wraps an already started command, or any stream of raw
// gray frames when cmd is nil.
func NewFrameReader(cmd *SafeCommand, out io.ReadCloser, width, height int) *FrameReader {
	return &FrameReader{cmd: cmd, out: out, width: width, height: height}
}

// Next returns the next frame, numbered from 1, or io.EOF at the end of the video.
func (r *FrameReader) Next(ctx context.Context) (types.Frame, error) {
	if r.done {
		return types.Frame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	img := image.NewGray(image.Rect(0, 0, r.width, r.height))
	_, err := io.ReadFull(r.out, img.Pix)
	switch {
	case errors.Is(err, io.EOF):
		r.done = true
		if werr := r.wait(); werr != nil {
			return types.Frame{}, werr
		}
		return types.Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.done = true
		if werr := r.wait(); werr != nil {
			return types.Frame{}, werr
		}
		return types.Frame{}, fmt.Errorf("frame %d truncated", r.index+1)
	case err != nil:
		return types.Frame{}, fmt.Errorf("read frame %d: %w", r.index+1, err)
	}

	r.index++
	return types.Frame{Index: r.index, Pixels: img}, nil
}

// Frames returns how many frames have been read so far.
func (r *FrameReader) Frames() int {
	return r.index
}

func (r *FrameReader) wait() error {
	if r.cmd == nil {
		return nil
	}
	err := r.cmd.WaitErr()
	r.cmd = nil
	return err
}

// Close stops the decoder. It is safe to call after Next returned io.EOF.
func (r *FrameReader) Close() error {
	r.out.Close()
	if r.cmd == nil {
		return nil
	}
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.cmd.Wait()
	r.cmd = nil
	return nil
}
