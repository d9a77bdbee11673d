package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/asticode/go-astits"

	"github.com/andresmejia3/scrubber/internal/splice"
	"github.com/andresmejia3/scrubber/internal/types"
)

const (
	videoPID = 256
	audioPID = 257
)

func testStreams() []splice.Stream {
	return []splice.Stream{
		{Index: 0, ID: videoPID, Kind: "video", TimeBase: TimeBase, Params: Params{StreamType: astits.StreamType(0x1b)}},
		{Index: 1, ID: audioPID, Kind: "audio", TimeBase: TimeBase, Params: Params{StreamType: astits.StreamType(0x0f)}},
	}
}

// writeTestStream muxes n video frames at 25fps starting at 1s, each followed
// by one audio packet.
func writeTestStream(t *testing.T, n int) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	m := NewMuxer(context.Background(), buf)
	for _, s := range testStreams() {
		if err := m.AddStream(s); err != nil {
			t.Fatalf("AddStream failed: %v", err)
		}
	}
	if err := m.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	for i := 0; i < n; i++ {
		ts := int64(90000 + i*3600)
		video := splice.Packet{StreamIndex: 0, PTS: ts + 3600, DTS: ts, Keyframe: i%10 == 0, Payload: bytes.Repeat([]byte{byte(i)}, 300)}
		audio := splice.Packet{StreamIndex: 1, PTS: ts, DTS: splice.NoTimestamp, Payload: []byte{0xff, 0xf1, byte(i)}}
		if err := m.WritePacket(video); err != nil {
			t.Fatalf("WritePacket video failed: %v", err)
		}
		if err := m.WritePacket(audio); err != nil {
			t.Fatalf("WritePacket audio failed: %v", err)
		}
	}
	if err := m.WriteTrailer(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, d *Demuxer) []splice.Packet {
	t.Helper()
	var out []splice.Packet
	for {
		p, err := d.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadPacket failed: %v", err)
		}
		out = append(out, p)
	}
}

func TestRoundTrip(t *testing.T) {
	data := writeTestStream(t, 30)

	d, err := OpenDemuxer(context.Background(), bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("OpenDemuxer failed: %v", err)
	}
	streams := d.Streams()
	if len(streams) != 2 || streams[0].Kind != "video" || streams[1].Kind != "audio" {
		t.Fatalf("Unexpected streams: %+v", streams)
	}
	if streams[0].ID != videoPID || streams[1].ID != audioPID {
		t.Errorf("PIDs not preserved: %+v", streams)
	}
	if got := d.StartTime(); got != 1.0 {
		t.Errorf("Expected start time 1.0, got %v", got)
	}

	packets := readAll(t, d)
	var video, audio []splice.Packet
	for _, p := range packets {
		if p.StreamIndex == 0 {
			video = append(video, p)
		} else {
			audio = append(audio, p)
		}
	}
	if len(video) != 30 || len(audio) != 30 {
		t.Fatalf("Expected 30+30 packets, got %d video and %d audio", len(video), len(audio))
	}
	for i, p := range video {
		ts := int64(90000 + i*3600)
		if p.PTS != ts+3600 || p.DTS != ts {
			t.Errorf("video %d: pts=%d dts=%d", i, p.PTS, p.DTS)
		}
		if p.Keyframe != (i%10 == 0) {
			t.Errorf("video %d: keyframe=%v", i, p.Keyframe)
		}
		if len(p.Payload) != 300 || p.Payload[0] != byte(i) {
			t.Errorf("video %d: payload corrupted", i)
		}
	}
	if audio[5].DTS != splice.NoTimestamp || audio[5].PTS != 90000+5*3600 {
		t.Errorf("audio 5: pts=%d dts=%d", audio[5].PTS, audio[5].DTS)
	}
}

func TestSpliceThroughTransportStream(t *testing.T) {
	data := writeTestStream(t, 100) // 1s .. 5s

	d, err := OpenDemuxer(context.Background(), bytes.NewReader(data), nil)
	if err != nil {
		t.Fatal(err)
	}
	out := new(bytes.Buffer)
	m := NewMuxer(context.Background(), out)
	keep := []types.TimeRange{{Start: 0, End: 1}, {Start: 2, End: 3}}

	stats, err := splice.Splice(context.Background(), d, m, keep, splice.Options{Origin: d.StartTime()})
	if err != nil {
		t.Fatalf("Splice failed: %v", err)
	}
	if stats.Written == 0 {
		t.Fatal("Expected packets to be written")
	}

	d2, err := OpenDemuxer(context.Background(), bytes.NewReader(out.Bytes()), nil)
	if err != nil {
		t.Fatalf("Reopening spliced output failed: %v", err)
	}
	var last int64 = -1
	for _, p := range readAll(t, d2) {
		if p.StreamIndex != 0 {
			continue
		}
		if last >= 0 && p.DTS-last != 3600 {
			t.Fatalf("Discontinuity in spliced video: %d -> %d", last, p.DTS)
		}
		last = p.DTS
	}
}

func TestOpenDemuxer_NoProgram(t *testing.T) {
	_, err := OpenDemuxer(context.Background(), bytes.NewReader(nil), nil)
	if !errors.Is(err, ErrNoProgram) {
		t.Errorf("Expected ErrNoProgram, got %v", err)
	}
}

func TestKind(t *testing.T) {
	tests := map[uint8]string{0x1b: "video", 0x24: "video", 0x0f: "audio", 0x81: "audio", 0x06: "private", 0x05: "data"}
	for st, want := range tests {
		if got := Kind(astits.StreamType(st)); got != want {
			t.Errorf("Kind(0x%02x) = %s, want %s", st, got, want)
		}
	}
}

func TestMuxer_RejectsForeignParams(t *testing.T) {
	m := NewMuxer(context.Background(), io.Discard)
	err := m.AddStream(splice.Stream{Index: 0, ID: 300, Kind: "video", TimeBase: TimeBase})
	if err == nil {
		t.Error("Expected error for stream without transport stream params")
	}
}
