package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// MediaInfo is what the scrubber needs to know about an input video.
type MediaInfo struct {
	Width     int
	Height    int
	FPS       float64
	Duration  float64 // seconds
	Frames    int     // 0 when unknown
	StartTime float64 // seconds
}

type probeResult struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration  string `json:"duration"`
		StartTime string `json:"start_time"`
	} `json:"format"`
}

// Probe inspects the first video stream of path with ffprobe.
func Probe(ctx context.Context, ffprobe, path string) (MediaInfo, error) {
	ffprobe = strings.TrimSpace(ffprobe)
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, ffprobe, "-v", "error", "-hide_banner",
		"-select_streams", "v:0", "-show_streams", "-show_format", "-of", "json", "--", path)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return MediaInfo{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return MediaInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (MediaInfo, error) {
	var res probeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	if len(res.Streams) == 0 {
		return MediaInfo{}, errors.New("ffprobe: no video stream")
	}
	s := res.Streams[0]

	info := MediaInfo{Width: s.Width, Height: s.Height}
	info.FPS = parseRate(s.RFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseRate(s.AvgFrameRate)
	}
	if info.FPS <= 0 {
		return MediaInfo{}, fmt.Errorf("ffprobe: cannot determine frame rate from %q", s.RFrameRate)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return MediaInfo{}, fmt.Errorf("ffprobe: invalid dimensions %dx%d", info.Width, info.Height)
	}

	info.Duration = parseSeconds(res.Format.Duration)
	if info.Duration <= 0 {
		info.Duration = parseSeconds(s.Duration)
	}
	info.StartTime = parseSeconds(res.Format.StartTime)
	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.Frames = n
	}
	if info.Duration <= 0 && info.Frames > 0 {
		info.Duration = float64(info.Frames) / info.FPS
	}
	return info, nil
}

// parseRate parses an ffprobe rational such as "30000/1001".
func parseRate(v string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(v), "/")
	if !ok {
		return parseSeconds(v)
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
