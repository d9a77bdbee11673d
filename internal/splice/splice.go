// Package splice copies the packets of a media container into a new
// container, keeping only the given time ranges and shifting timestamps so
// playback is continuous across the removed spans. Packets are never decoded.
package splice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/andresmejia3/scrubber/internal/metrics"
	"github.com/andresmejia3/scrubber/internal/types"
)

// NoTimestamp marks an absent PTS or DTS.
const NoTimestamp int64 = math.MinInt64

var (
	// ErrMissingTimestamp is returned for a packet without a presentation timestamp.
	ErrMissingTimestamp = errors.New("splice: packet has no presentation timestamp")
	// ErrUnknownStream is returned for a packet whose stream was never declared.
	ErrUnknownStream = errors.New("splice: packet references unknown stream")
)

// Rational is a time base: one tick lasts Num/Den seconds.
type Rational struct {
	Num int64
	Den int64
}

// Seconds converts ticks to seconds.
func (r Rational) Seconds(ticks int64) float64 {
	return float64(ticks) * float64(r.Num) / float64(r.Den)
}

// Ticks converts seconds to the nearest whole tick.
func (r Rational) Ticks(seconds float64) int64 {
	return int64(math.Round(seconds * float64(r.Den) / float64(r.Num)))
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Stream describes one elementary stream. Output streams are created with
// exactly the same values as the input.
type Stream struct {
	Index    int
	ID       int // container-level identifier, e.g. the MPEG-TS PID
	Kind     string
	TimeBase Rational
	// Params carries container-specific codec parameters untouched.
	Params any
}

// Packet is one compressed unit of a stream.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64 // NoTimestamp means equal to PTS
	Keyframe    bool
	Payload     []byte
	// Meta carries container-specific data through the splice untouched.
	Meta any
}

// Demuxer reads packets in the container's natural order.
type Demuxer interface {
	Streams() []Stream
	// ReadPacket returns io.EOF after the last packet.
	ReadPacket(ctx context.Context) (Packet, error)
}

// Muxer writes a container. AddStream is called for every stream before
// WriteHeader; WriteTrailer is called once after the last packet.
type Muxer interface {
	AddStream(s Stream) error
	WriteHeader() error
	WritePacket(p Packet) error
	WriteTrailer() error
}

// Options tunes a splice.
type Options struct {
	// Origin is subtracted from packet times before comparing them with the
	// keep ranges, usually the container's start time.
	Origin float64
	Logger *slog.Logger
}

// Stats summarizes a splice.
type Stats struct {
	Read    int
	Written int
	Dropped int
	// Removed is the total duration cut out before the last written packet.
	Removed float64
}

// Splice copies the packets of src that fall inside keep into dst.
//
// keep must be ascending and non-overlapping. A packet is dropped when both
// its timestamps are before the current range. When either reaches the end
// of the range the cursor moves to the next range and the gap between them
// is added to the offset; once no range remains the splice stops. The offset
// is tracked in seconds and converted to each stream's own time base when a
// packet is written, so streams with different time bases stay aligned.
func Splice(ctx context.Context, src Demuxer, dst Muxer, keep []types.TimeRange, opts Options) (Stats, error) {
	var stats Stats
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	streams := map[int]Stream{}
	for _, s := range src.Streams() {
		if s.TimeBase.Num <= 0 || s.TimeBase.Den <= 0 {
			return stats, fmt.Errorf("splice: stream %d has invalid time base %v", s.Index, s.TimeBase)
		}
		if err := dst.AddStream(s); err != nil {
			return stats, fmt.Errorf("splice: add stream %d: %w", s.Index, err)
		}
		streams[s.Index] = s
	}
	if err := dst.WriteHeader(); err != nil {
		return stats, fmt.Errorf("splice: write header: %w", err)
	}

	cursor := 0
	for cursor < len(keep) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		pkt, err := src.ReadPacket(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("splice: read packet: %w", err)
		}
		stats.Read++

		stream, ok := streams[pkt.StreamIndex]
		if !ok {
			return stats, fmt.Errorf("%w: %d", ErrUnknownStream, pkt.StreamIndex)
		}
		if pkt.PTS == NoTimestamp {
			return stats, fmt.Errorf("%w: stream %d, packet %d", ErrMissingTimestamp, pkt.StreamIndex, stats.Read)
		}
		if pkt.DTS == NoTimestamp {
			pkt.DTS = pkt.PTS
		}

		pts := stream.TimeBase.Seconds(pkt.PTS) - opts.Origin
		dts := stream.TimeBase.Seconds(pkt.DTS) - opts.Origin

		r := keep[cursor]
		if pts < r.Start && dts < r.Start {
			stats.Dropped++
			continue
		}

		advanced := false
		for pts >= r.End || dts >= r.End {
			if cursor+1 >= len(keep) {
				cursor = len(keep)
				break
			}
			next := keep[cursor+1]
			stats.Removed += next.Start - r.End
			cursor++
			r = next
			advanced = true
			logger.Debug("keep range advanced",
				slog.Int("range", cursor),
				slog.Float64("start", r.Start),
				slog.Float64("removed", stats.Removed))
		}
		if cursor >= len(keep) {
			stats.Dropped++
			break
		}
		if advanced && pts < r.Start && dts < r.Start {
			stats.Dropped++
			continue
		}

		offset := stream.TimeBase.Ticks(stats.Removed)
		pkt.PTS -= offset
		pkt.DTS -= offset
		if err := dst.WritePacket(pkt); err != nil {
			return stats, fmt.Errorf("splice: write packet: %w", err)
		}
		stats.Written++
	}

	if err := dst.WriteTrailer(); err != nil {
		return stats, fmt.Errorf("splice: write trailer: %w", err)
	}

	metrics.PacketsTotal.WithLabelValues("written").Add(float64(stats.Written))
	metrics.PacketsTotal.WithLabelValues("dropped").Add(float64(stats.Dropped))
	return stats, nil
}
