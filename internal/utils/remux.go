package utils

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// IsTransportStream reports whether path is read and written as MPEG-TS
// directly, without an FFmpeg remux.
func IsTransportStream(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".m2ts", ".mts":
		return true
	}
	return false
}

// cmdReader is the stdout of a running command. Closing it before EOF kills
// the command.
type cmdReader struct {
	io.ReadCloser
	cmd *SafeCommand
	eof bool
}

func (r *cmdReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if errors.Is(err, io.EOF) {
		r.eof = true
	}
	return n, err
}

func (r *cmdReader) Close() error {
	if !r.eof {
		// Stopped early on purpose; the exit status is meaningless.
		r.ReadCloser.Close()
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.cmd.Wait()
		return nil
	}
	return r.cmd.WaitErr()
}

// OpenTSInput returns path as an MPEG-TS byte stream. Other containers are
// remuxed on the fly with FFmpeg stream copy; only video and audio survive.
func OpenTSInput(ctx context.Context, ffmpeg, path string) (io.ReadCloser, error) {
	if IsTransportStream(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	cmd := NewSafeCommand(ctx, ffmpeg, "-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", path, "-map", "0:v", "-map", "0:a?", "-c", "copy",
		"-f", "mpegts", "-muxdelay", "0", "-muxpreload", "0", "pipe:1")
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("remux input: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("remux input: start ffmpeg: %w", err)
	}
	return &cmdReader{ReadCloser: out, cmd: cmd}, nil
}

type fileWriter struct {
	*bufio.Writer
	f *os.File
}

func (w *fileWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

type cmdWriter struct {
	io.WriteCloser
	cmd *SafeCommand
}

func (w *cmdWriter) Close() error {
	if err := w.WriteCloser.Close(); err != nil {
		_ = w.cmd.Wait()
		return err
	}
	return w.cmd.WaitErr()
}

// CreateTSOutput returns a writer accepting MPEG-TS that produces path. For
// other containers FFmpeg stream-copies the input into the format implied by
// the extension. The file is complete only after Close returns nil.
func CreateTSOutput(ctx context.Context, ffmpeg, path string) (io.WriteCloser, error) {
	if IsTransportStream(path) {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		return &fileWriter{Writer: bufio.NewWriterSize(f, 1<<20), f: f}, nil
	}

	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	cmd := NewSafeCommand(ctx, ffmpeg, "-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "mpegts", "-i", "pipe:0", "-map", "0", "-c", "copy", "-y", path)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("remux output: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("remux output: start ffmpeg: %w", err)
	}
	return &cmdWriter{WriteCloser: in, cmd: cmd}, nil
}
