package voiceturn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

const defaultFramesPerBuffer = 1024

// PortAudioCapture opens microphones through PortAudio. Each open stream
// holds its own PortAudio initialization until closed.
type PortAudioCapture struct {
	FramesPerBuffer int
}

var _ CaptureDevice = PortAudioCapture{}

func (pc PortAudioCapture) Open(ctx context.Context, cfg CaptureConfig, onPCM PCMHandler) (CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, mapPortAudioError(err)
	}

	device, err := resolveDevice(cfg.DeviceID, true)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = framesOrDefault(pc.FramesPerBuffer)

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		// PortAudio reuses the buffer between callbacks.
		samples := make([]int16, len(in))
		copy(samples, in)
		onPCM(samples)
	})
	if err != nil {
		portaudio.Terminate()
		return nil, mapPortAudioError(err)
	}
	return &paCaptureStream{stream: stream}, nil
}

type paCaptureStream struct {
	stream *portaudio.Stream
	once   sync.Once
}

func (s *paCaptureStream) Start() error { return mapPortAudioError(s.stream.Start()) }

func (s *paCaptureStream) Stop() error { return mapPortAudioError(s.stream.Stop()) }

func (s *paCaptureStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.stream.Close()
		portaudio.Terminate()
	})
	return err
}

// PortAudioSink plays clips through PortAudio.
type PortAudioSink struct {
	DeviceID        *int
	FramesPerBuffer int
}

var _ AudioSink = PortAudioSink{}

func (ps PortAudioSink) Open(sampleRate, channels int) (PlaybackStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, mapPortAudioError(err)
	}
	device, err := resolveDevice(ps.DeviceID, false)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	out := &paPlaybackStream{sampleRate: sampleRate, channels: channels}
	params := portaudio.LowLatencyParameters(nil, device)
	params.Output.Channels = channels
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = framesOrDefault(ps.FramesPerBuffer)

	out.stream, err = portaudio.OpenStream(params, out.fill)
	if err != nil {
		portaudio.Terminate()
		return nil, mapPortAudioError(err)
	}
	return out, nil
}

type paPlaybackStream struct {
	stream     *portaudio.Stream
	sampleRate int
	channels   int

	mu      sync.Mutex
	samples []int16
	index   int
	done    chan struct{}
	once    sync.Once
}

// fill is the PortAudio output callback.
func (s *paPlaybackStream) fill(out []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range out {
		if s.index < len(s.samples) {
			out[i] = s.samples[s.index]
			s.index++
		} else {
			out[i] = 0
		}
	}
	if s.index >= len(s.samples) && s.done != nil {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}

func (s *paPlaybackStream) Play(ctx context.Context, samples []int16) error {
	done := make(chan struct{})
	s.mu.Lock()
	s.samples = samples
	s.index = 0
	s.done = done
	s.mu.Unlock()

	if err := s.stream.Start(); err != nil {
		return mapPortAudioError(err)
	}

	seconds := float64(len(samples)) / float64(s.sampleRate*s.channels)
	timeout := time.Duration(seconds*1.5*float64(time.Second)) + time.Second

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(timeout):
		err = fmt.Errorf("playback did not finish within %s", timeout)
	}

	if stopErr := s.stream.Stop(); stopErr != nil && err == nil {
		err = mapPortAudioError(stopErr)
	}
	return err
}

func (s *paPlaybackStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.stream.Close()
		portaudio.Terminate()
	})
	return err
}

func framesOrDefault(n int) int {
	if n <= 0 {
		return defaultFramesPerBuffer
	}
	return n
}

// resolveDevice returns the configured device or the host default.
// Must be called between Initialize and Terminate.
func resolveDevice(id *int, input bool) (*portaudio.DeviceInfo, error) {
	if id == nil {
		var (
			device *portaudio.DeviceInfo
			err    error
		)
		if input {
			device, err = portaudio.DefaultInputDevice()
		} else {
			device, err = portaudio.DefaultOutputDevice()
		}
		if err != nil || device == nil {
			return nil, fmt.Errorf("no default device: %w", ErrDeviceNotFound)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, mapPortAudioError(err)
	}
	if *id < 0 || *id >= len(devices) {
		return nil, fmt.Errorf("device %d: %w", *id, ErrDeviceNotFound)
	}
	device := devices[*id]
	if input && device.MaxInputChannels == 0 || !input && device.MaxOutputChannels == 0 {
		return nil, fmt.Errorf("device %q has no matching channels: %w", device.Name, ErrDeviceNotFound)
	}
	return device, nil
}

// mapPortAudioError folds PortAudio device errors into the device taxonomy.
func mapPortAudioError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, portaudio.InvalidDevice) || errors.Is(err, portaudio.DeviceUnavailable) {
		return fmt.Errorf("%v: %w", err, ErrDeviceNotFound)
	}
	return err
}
