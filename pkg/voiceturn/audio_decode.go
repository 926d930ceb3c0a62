package voiceturn

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"
)

// DefaultReplySampleRate applies to raw PCM replies that do not declare a rate.
const DefaultReplySampleRate = 24000

// Clip is decoded reply audio ready for an output stream.
type Clip struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	if c == nil || c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate*c.Channels)
}

// DecodeAudio decodes a base64 reply payload of the given content type.
func DecodeAudio(audioBase64, contentType string) (*Clip, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(audioBase64))
	if err != nil {
		return nil, NewPlaybackError("failed to decode audio payload", err)
	}
	return DecodeAudioBytes(raw, contentType)
}

// DecodeAudioBytes decodes raw reply audio of the given content type.
func DecodeAudioBytes(raw []byte, contentType string) (*Clip, error) {
	mediaType, params := parseContentType(contentType)

	var (
		clip *Clip
		err  error
	)
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		clip, err = decodeWAV(raw)
	case "audio/l16":
		clip = &Clip{Samples: decodePCM16(raw, binary.BigEndian)}
		clip.SampleRate, clip.Channels = rateAndChannels(params)
	case "audio/pcm":
		clip = &Clip{Samples: decodePCM16(raw, binary.LittleEndian)}
		clip.SampleRate, clip.Channels = rateAndChannels(params)
	case "pcm_f32le", "audio/pcm_f32le":
		clip = &Clip{Samples: decodeFloat32LE(raw)}
		clip.SampleRate, clip.Channels = rateAndChannels(params)
	default:
		return nil, NewPlaybackError(fmt.Sprintf("unsupported audio content type %q", contentType), nil)
	}
	if err != nil {
		return nil, err
	}
	if len(clip.Samples) == 0 {
		return nil, NewPlaybackError("reply audio is empty", nil)
	}
	return clip, nil
}

func parseContentType(contentType string) (string, map[string]string) {
	contentType = strings.TrimSpace(contentType)
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Bare format names such as pcm_f32le are not valid media types.
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
		params = map[string]string{}
	}
	return mediaType, params
}

func rateAndChannels(params map[string]string) (int, int) {
	rate, channels := DefaultReplySampleRate, 1
	if v, err := strconv.Atoi(params["rate"]); err == nil && v > 0 {
		rate = v
	}
	if v, err := strconv.Atoi(params["channels"]); err == nil && v > 0 {
		channels = v
	}
	return rate, channels
}

func decodePCM16(raw []byte, order binary.ByteOrder) []int16 {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(order.Uint16(raw[i*2:]))
	}
	return samples
}

func decodeFloat32LE(raw []byte) []int16 {
	samples := make([]int16, len(raw)/4)
	for i := range samples {
		f := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		samples[i] = floatToPCM16(f)
	}
	return samples
}

func floatToPCM16(f float32) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	return int16(f * math.MaxInt16)
}

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// decodeWAV walks the RIFF chunks for fmt and data. PCM16 and float32 data
// are accepted.
func decodeWAV(raw []byte) (*Clip, error) {
	if len(raw) < 12 || !bytes.Equal(raw[0:4], []byte("RIFF")) || !bytes.Equal(raw[8:12], []byte("WAVE")) {
		return nil, NewPlaybackError("not a RIFF/WAVE payload", nil)
	}

	var (
		format, channels, bits uint16
		sampleRate             uint32
		haveFmt                bool
		data                   []byte
	)
	for off := 12; off+8 <= len(raw); {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(raw) {
			// Streamed WAVs may carry a bogus data size.
			end = len(raw)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, NewPlaybackError("truncated WAV fmt chunk", nil)
			}
			format = binary.LittleEndian.Uint16(raw[body:])
			channels = binary.LittleEndian.Uint16(raw[body+2:])
			sampleRate = binary.LittleEndian.Uint32(raw[body+4:])
			bits = binary.LittleEndian.Uint16(raw[body+14:])
			haveFmt = true
		case "data":
			data = raw[body:end]
		}

		off = end + size%2
		if data != nil && haveFmt {
			break
		}
	}

	if !haveFmt || data == nil {
		return nil, NewPlaybackError("WAV payload is missing fmt or data chunk", nil)
	}

	clip := &Clip{SampleRate: int(sampleRate), Channels: int(channels)}
	switch {
	case format == wavFormatPCM && bits == 16:
		clip.Samples = decodePCM16(data, binary.LittleEndian)
	case format == wavFormatFloat && bits == 32:
		clip.Samples = decodeFloat32LE(data)
	default:
		return nil, NewPlaybackError(fmt.Sprintf("unsupported WAV encoding (format %d, %d bits)", format, bits), nil)
	}
	return clip, nil
}
