package voiceturn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

// Encodings a recording can be finalized into.
const (
	FormatOggOpus = "audio/ogg;codecs=opus"
	FormatWAV     = "audio/wav"
	FormatPCM     = "audio/L16"
)

// DefaultEncodingPriority is the order formats are tried in: the preferred
// compressed codec, then the uncompressed container, then bare PCM.
func DefaultEncodingPriority() []string {
	return []string{FormatOggOpus, FormatWAV, FormatPCM}
}

// EncodingProbe answers which encodings the local machine can produce.
type EncodingProbe interface {
	IsSupported(mimeType string) bool
}

// CodecProbe probes the linked codecs for a given capture shape.
type CodecProbe struct {
	SampleRate int
	Channels   int
}

func (p CodecProbe) IsSupported(mimeType string) bool {
	switch normalizeMIME(mimeType) {
	case FormatOggOpus:
		if !opusRates[p.SampleRate] || p.Channels < 1 || p.Channels > 2 {
			return false
		}
		_, err := opus.NewEncoder(p.SampleRate, p.Channels, opus.AppVoIP)
		return err == nil
	case FormatWAV, normalizeMIME(FormatPCM):
		return p.SampleRate > 0 && p.Channels > 0
	}
	return false
}

var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// SelectEncoding returns the first entry of priority the probe supports.
func SelectEncoding(probe EncodingProbe, priority []string) (string, error) {
	for _, mimeType := range priority {
		if probe.IsSupported(mimeType) {
			return mimeType, nil
		}
	}
	return "", ErrNoEncoding
}

func normalizeMIME(mimeType string) string {
	parts := strings.Split(mimeType, ";")
	for i := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(parts[i]))
	}
	if parts[0] == "audio/l16" {
		return "audio/l16"
	}
	return strings.Join(parts, ";")
}

// Encoder turns time slices of PCM16 into chunks and chunks into one object.
type Encoder interface {
	// MIMEType is the declared type of the finalized object.
	MIMEType() string
	// Encode encodes one time slice.
	Encode(pcm []int16) ([]byte, error)
	// Flush encodes whatever Encode buffered.
	Flush() ([]byte, error)
	// Finalize joins the chunks, in order, into the finished object.
	Finalize(chunks [][]byte) []byte
}

// NewEncoder builds the encoder for a selected format.
func NewEncoder(mimeType string, sampleRate, channels int) (Encoder, error) {
	switch normalizeMIME(mimeType) {
	case FormatOggOpus:
		return newOggOpusEncoder(sampleRate, channels)
	case FormatWAV:
		return &wavEncoder{sampleRate: sampleRate, channels: channels}, nil
	case normalizeMIME(FormatPCM):
		return &pcmEncoder{sampleRate: sampleRate, channels: channels}, nil
	}
	return nil, NewEncodingError(fmt.Sprintf("unsupported encoding %q", mimeType), ErrNoEncoding)
}

const (
	opusFrameMs         = 20
	opusGranulePerFrame = 48000 * opusFrameMs / 1000
	opusMaxPacket       = 4000
	opusPayloadType     = 111
)

// oggOpusEncoder produces Ogg pages of 20 ms Opus packets. The Ogg stream
// headers land in the first chunk; each later chunk holds whole pages.
type oggOpusEncoder struct {
	enc       *opus.Encoder
	writer    *oggwriter.OggWriter
	out       bytes.Buffer
	frameSize int
	carry     []int16
	packet    []byte
	seq       uint16
	timestamp uint32
	frames    int
}

func newOggOpusEncoder(sampleRate, channels int) (*oggOpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, NewEncodingError("failed to create opus encoder", err)
	}
	e := &oggOpusEncoder{
		enc:       enc,
		frameSize: sampleRate * opusFrameMs / 1000 * channels,
		packet:    make([]byte, opusMaxPacket),
	}
	e.writer, err = oggwriter.NewWith(&e.out, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, NewEncodingError("failed to create ogg writer", err)
	}
	return e, nil
}

func (e *oggOpusEncoder) MIMEType() string { return FormatOggOpus }

func (e *oggOpusEncoder) Encode(pcm []int16) ([]byte, error) {
	e.carry = append(e.carry, pcm...)
	for len(e.carry) >= e.frameSize {
		if err := e.writeFrame(e.carry[:e.frameSize]); err != nil {
			return nil, err
		}
		e.carry = e.carry[e.frameSize:]
	}
	return e.drain(), nil
}

func (e *oggOpusEncoder) Flush() ([]byte, error) {
	if len(e.carry) > 0 {
		frame := make([]int16, e.frameSize)
		copy(frame, e.carry)
		e.carry = nil
		if err := e.writeFrame(frame); err != nil {
			return nil, err
		}
	}
	if err := e.writer.Close(); err != nil {
		return nil, NewEncodingError("failed to close ogg stream", err)
	}
	return e.drain(), nil
}

func (e *oggOpusEncoder) writeFrame(frame []int16) error {
	n, err := e.enc.Encode(frame, e.packet)
	if err != nil {
		return NewEncodingError("opus encode failed", err)
	}
	payload := make([]byte, n)
	copy(payload, e.packet[:n])

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: e.seq,
			Timestamp:      e.timestamp,
		},
		Payload: payload,
	}
	e.seq++
	e.frames++
	e.timestamp += opusGranulePerFrame
	if err := e.writer.WriteRTP(pkt); err != nil {
		return NewEncodingError("ogg write failed", err)
	}
	return nil
}

func (e *oggOpusEncoder) drain() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	chunk := make([]byte, e.out.Len())
	copy(chunk, e.out.Bytes())
	e.out.Reset()
	return chunk
}

// Finalize returns nil when no audio frame was ever encoded, so a stream of
// bare Ogg headers does not count as an utterance.
func (e *oggOpusEncoder) Finalize(chunks [][]byte) []byte {
	if e.frames == 0 {
		return nil
	}
	return bytes.Join(chunks, nil)
}

type pcmEncoder struct {
	sampleRate int
	channels   int
}

func (e *pcmEncoder) MIMEType() string {
	return fmt.Sprintf("%s;rate=%d;channels=%d", FormatPCM, e.sampleRate, e.channels)
}

// Encode emits network byte order, as audio/L16 requires.
func (e *pcmEncoder) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.BigEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func (e *pcmEncoder) Flush() ([]byte, error) { return nil, nil }

func (e *pcmEncoder) Finalize(chunks [][]byte) []byte { return bytes.Join(chunks, nil) }

type wavEncoder struct {
	sampleRate int
	channels   int
}

func (e *wavEncoder) MIMEType() string { return FormatWAV }

func (e *wavEncoder) Encode(pcm []int16) ([]byte, error) { return pcm16Bytes(pcm), nil }

func (e *wavEncoder) Flush() ([]byte, error) { return nil, nil }

func (e *wavEncoder) Finalize(chunks [][]byte) []byte {
	data := bytes.Join(chunks, nil)
	if len(data) == 0 {
		return nil
	}
	out := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(data)))
	writeWAVHeader(out, e.sampleRate, e.channels, len(data))
	out.Write(data)
	return out.Bytes()
}

const wavHeaderSize = 44

func writeWAVHeader(buf *bytes.Buffer, sampleRate, channels, dataLen int) {
	byteRate := sampleRate * channels * 2
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataLen))
}

func pcm16Bytes(pcm []int16) []byte {
	if len(pcm) == 0 {
		return nil
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
