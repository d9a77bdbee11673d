// Package mpegts adapts go-astits to the splice.Demuxer and splice.Muxer
// interfaces. Every PES stream runs on the 90 kHz MPEG system clock.
package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/asticode/go-astits"

	"github.com/andresmejia3/scrubber/internal/splice"
)

// TimeBase is the MPEG-TS presentation clock.
var TimeBase = splice.Rational{Num: 1, Den: 90000}

// maxLookahead bounds how many PES packets are buffered while looking for the
// program map and the first timestamp of every stream.
const maxLookahead = 4096

// ErrNoProgram is returned when the input never declares a program map.
var ErrNoProgram = errors.New("mpegts: no program map table found")

// Params is the per-stream information copied from input to output.
type Params struct {
	StreamType astits.StreamType
}

// packetMeta is carried through the splicer with each packet.
type packetMeta struct {
	streamID      uint8
	dataAlignment bool
}

// Kind classifies an elementary stream type.
func Kind(st astits.StreamType) string {
	switch uint8(st) {
	case 0x01, 0x02, 0x10, 0x1b, 0x20, 0x24, 0x42, 0xd1, 0xea:
		return "video"
	case 0x03, 0x04, 0x0f, 0x11, 0x1c, 0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87:
		return "audio"
	case 0x06:
		return "private"
	default:
		return "data"
	}
}

// Demuxer reads PES packets from a transport stream.
type Demuxer struct {
	dmx      *astits.Demuxer
	logger   *slog.Logger
	streams  []splice.Stream
	pidIndex map[uint16]int
	pending  []splice.Packet
	start    float64
	eof      bool
}

// OpenDemuxer reads ahead until the program map and one packet of every
// stream have been seen, so Streams and StartTime are known before packets
// are read.
func OpenDemuxer(ctx context.Context, r io.Reader, logger *slog.Logger) (*Demuxer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Demuxer{
		dmx:      astits.NewDemuxer(ctx, r),
		logger:   logger,
		pidIndex: map[uint16]int{},
	}

	seen := map[int]bool{}
	for len(d.pending) < maxLookahead && (len(d.streams) == 0 || len(seen) < len(d.streams)) {
		pkt, ok, err := d.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && len(d.streams) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrNoProgram, err)
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		d.pending = append(d.pending, pkt)
		seen[pkt.StreamIndex] = true
	}
	if len(d.streams) == 0 {
		return nil, ErrNoProgram
	}

	first := true
	for _, p := range d.pending {
		if p.PTS == splice.NoTimestamp {
			continue
		}
		if s := TimeBase.Seconds(p.PTS); first || s < d.start {
			d.start, first = s, false
		}
	}
	return d, nil
}

// Streams implements splice.Demuxer.
func (d *Demuxer) Streams() []splice.Stream {
	return d.streams
}

// StartTime is the earliest presentation time seen in the lookahead, in seconds.
func (d *Demuxer) StartTime() float64 {
	return d.start
}

// ReadPacket implements splice.Demuxer.
func (d *Demuxer) ReadPacket(ctx context.Context) (splice.Packet, error) {
	if len(d.pending) > 0 {
		p := d.pending[0]
		d.pending = d.pending[1:]
		return p, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return splice.Packet{}, err
		}
		pkt, ok, err := d.next()
		if err != nil {
			return splice.Packet{}, err
		}
		if ok {
			return pkt, nil
		}
	}
}

// next returns the next PES packet of a declared stream. ok is false for
// tables and for PES data on undeclared PIDs.
func (d *Demuxer) next() (splice.Packet, bool, error) {
	if d.eof {
		return splice.Packet{}, false, io.EOF
	}
	data, err := d.dmx.NextData()
	if errors.Is(err, astits.ErrNoMorePackets) {
		d.eof = true
		return splice.Packet{}, false, io.EOF
	}
	if err != nil {
		return splice.Packet{}, false, fmt.Errorf("mpegts: demux: %w", err)
	}

	if data.PMT != nil && len(d.streams) == 0 {
		d.declare(data.PMT)
		return splice.Packet{}, false, nil
	}
	if data.PES == nil {
		return splice.Packet{}, false, nil
	}
	idx, ok := d.pidIndex[data.PID]
	if !ok {
		return splice.Packet{}, false, nil
	}

	pkt := splice.Packet{
		StreamIndex: idx,
		PTS:         splice.NoTimestamp,
		DTS:         splice.NoTimestamp,
		Payload:     data.PES.Data,
	}
	meta := packetMeta{}
	if h := data.PES.Header; h != nil {
		meta.streamID = h.StreamID
		if oh := h.OptionalHeader; oh != nil {
			meta.dataAlignment = oh.DataAlignmentIndicator
			if oh.PTS != nil {
				pkt.PTS = oh.PTS.Base
			}
			if oh.DTS != nil {
				pkt.DTS = oh.DTS.Base
			}
		}
	}
	pkt.Meta = meta
	if fp := data.FirstPacket; fp != nil && fp.AdaptationField != nil {
		pkt.Keyframe = fp.AdaptationField.RandomAccessIndicator
	}
	return pkt, true, nil
}

func (d *Demuxer) declare(pmt *astits.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		kind := Kind(es.StreamType)
		if kind == "data" {
			d.logger.Debug("skipping data stream", slog.Int("pid", int(es.ElementaryPID)), slog.Int("stream_type", int(es.StreamType)))
			continue
		}
		idx := len(d.streams)
		d.pidIndex[es.ElementaryPID] = idx
		d.streams = append(d.streams, splice.Stream{
			Index:    idx,
			ID:       int(es.ElementaryPID),
			Kind:     kind,
			TimeBase: TimeBase,
			Params:   Params{StreamType: es.StreamType},
		})
	}
}

// pcrLead is how far the program clock runs ahead of decode time (0.7s).
const pcrLead = 63000

// Muxer writes PES packets into a transport stream.
type Muxer struct {
	mx      *astits.Muxer
	streams map[int]splice.Stream
	pcrPID  uint16
	hasPCR  bool
}

// NewMuxer returns a Muxer writing to w.
func NewMuxer(ctx context.Context, w io.Writer) *Muxer {
	return &Muxer{
		mx:      astits.NewMuxer(ctx, w),
		streams: map[int]splice.Stream{},
	}
}

// AddStream implements splice.Muxer.
func (m *Muxer) AddStream(s splice.Stream) error {
	p, ok := s.Params.(Params)
	if !ok {
		return fmt.Errorf("mpegts: stream %d has no transport stream parameters", s.Index)
	}
	pid := uint16(s.ID)
	if err := m.mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: pid,
		StreamType:    p.StreamType,
	}); err != nil {
		return fmt.Errorf("mpegts: add stream pid %d: %w", pid, err)
	}
	if !m.hasPCR || (s.Kind == "video" && m.streamKind(m.pcrPID) != "video") {
		m.pcrPID, m.hasPCR = pid, true
	}
	m.streams[s.Index] = s
	return nil
}

func (m *Muxer) streamKind(pid uint16) string {
	for _, s := range m.streams {
		if uint16(s.ID) == pid {
			return s.Kind
		}
	}
	return ""
}

// WriteHeader implements splice.Muxer by emitting the PAT and PMT.
func (m *Muxer) WriteHeader() error {
	if !m.hasPCR {
		return errors.New("mpegts: no streams to write")
	}
	m.mx.SetPCRPID(m.pcrPID)
	if _, err := m.mx.WriteTables(); err != nil {
		return fmt.Errorf("mpegts: write tables: %w", err)
	}
	return nil
}

// WritePacket implements splice.Muxer.
func (m *Muxer) WritePacket(p splice.Packet) error {
	s, ok := m.streams[p.StreamIndex]
	if !ok {
		return fmt.Errorf("mpegts: unknown stream %d", p.StreamIndex)
	}
	meta, _ := p.Meta.(packetMeta)
	if meta.streamID == 0 {
		meta.streamID = defaultStreamID(s.Kind)
	}

	oh := &astits.PESOptionalHeader{
		MarkerBits:             2,
		DataAlignmentIndicator: meta.dataAlignment,
		PTSDTSIndicator:        astits.PTSDTSIndicatorOnlyPTS,
		PTS:                    &astits.ClockReference{Base: p.PTS},
	}
	if p.DTS != splice.NoTimestamp && p.DTS != p.PTS {
		oh.PTSDTSIndicator = astits.PTSDTSIndicatorBothPresent
		oh.DTS = &astits.ClockReference{Base: p.DTS}
	}

	pid := uint16(s.ID)
	var af *astits.PacketAdaptationField
	if p.Keyframe {
		af = &astits.PacketAdaptationField{RandomAccessIndicator: true}
	}
	if pid == m.pcrPID {
		if af == nil {
			af = &astits.PacketAdaptationField{}
		}
		dts := p.DTS
		if dts == splice.NoTimestamp {
			dts = p.PTS
		}
		pcr := dts - pcrLead
		if pcr < 0 {
			pcr = 0
		}
		af.HasPCR = true
		af.PCR = &astits.ClockReference{Base: pcr}
	}

	_, err := m.mx.WriteData(&astits.MuxerData{
		PID:             pid,
		AdaptationField: af,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: oh,
				StreamID:       meta.streamID,
			},
			Data: p.Payload,
		},
	})
	if err != nil {
		return fmt.Errorf("mpegts: write pid %d: %w", pid, err)
	}
	return nil
}

// WriteTrailer implements splice.Muxer. Transport streams have no trailer.
func (m *Muxer) WriteTrailer() error {
	return nil
}

func defaultStreamID(kind string) uint8 {
	switch kind {
	case "video":
		return 0xe0
	case "audio":
		return 0xc0
	default:
		return 0xbd // private_stream_1
	}
}
