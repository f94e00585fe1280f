package audio

import (
	"context"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/denis-ea7/cluely-sub000/internal/fault"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// DeviceInfo describes one input-capable device.
type DeviceInfo struct {
	ID         int     `json:"id"`
	Label      string  `json:"label"`
	Channels   int     `json:"channels"`
	SampleRate float64 `json:"sample_rate"`
}

// Source is a continuous raw capture stream. The stream is infinite and not
// restartable: a closed source stays closed and a new Open creates a new one.
type Source interface {
	Frames() <-chan Frame
	Close() error
}

// Initialize prepares the audio host API. Must be called once before any
// Open or ListInputDevices call, paired with Terminate on shutdown.
func Initialize() error {
	return portaudio.Initialize()
}

// Terminate releases the audio host API.
func Terminate() error {
	return portaudio.Terminate()
}

// ListInputDevices returns all devices that can capture audio.
func ListInputDevices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fault.Wrap(fault.KindDeviceUnavailable, "failed to enumerate audio devices", err)
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for i, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		infos = append(infos, DeviceInfo{
			ID:         i,
			Label:      dev.Name,
			Channels:   dev.MaxInputChannels,
			SampleRate: dev.DefaultSampleRate,
		})
	}
	return infos, nil
}

// findInputDevice resolves a device selector to a concrete device.
// An empty selector or "default" means the OS default input.
// Matching is a case-insensitive substring match on the device name.
func findInputDevice(selector string) (*portaudio.DeviceInfo, error) {
	if selector == "" || selector == "default" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fault.Wrap(fault.KindDeviceUnavailable, "no default input device", err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fault.Wrap(fault.KindDeviceUnavailable, "failed to enumerate audio devices", err)
	}
	needle := strings.ToLower(selector)
	for _, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		if strings.Contains(strings.ToLower(dev.Name), needle) {
			return dev, nil
		}
	}
	return nil, fault.Newf(fault.KindDeviceUnavailable, "no input device matching %q", selector)
}

type portaudioSource struct {
	stream    *portaudio.Stream
	frames    chan Frame
	buf       []int16
	rate      int
	channels  int
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
	logger    *logger.Logger
}

// Open starts capturing from the device matching selector. The returned
// source delivers interleaved int16 frames until Close is called. Open
// failures are reported to the caller and never retried here.
func Open(selector string, framesPerBuffer int, log *logger.Logger) (Source, error) {
	dev, err := findInputDevice(selector)
	if err != nil {
		return nil, err
	}

	channels := dev.MaxInputChannels
	if channels > 2 {
		channels = 2
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.FramesPerBuffer = framesPerBuffer

	buf := make([]int16, framesPerBuffer*channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fault.Wrap(fault.KindDeviceUnavailable, "failed to open capture stream", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fault.Wrap(fault.KindDeviceUnavailable, "failed to start capture stream", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &portaudioSource{
		stream:   stream,
		frames:   make(chan Frame, 8),
		buf:      buf,
		rate:     int(params.SampleRate),
		channels: channels,
		cancel:   cancel,
		logger:   log.Named("audio-source").With(logger.String("device", dev.Name)),
	}

	s.logger.Info("Capture started",
		logger.Int("sample_rate", s.rate),
		logger.Int("channels", channels),
		logger.Int("frames_per_buffer", framesPerBuffer))

	s.wg.Add(1)
	go s.readLoop(ctx)

	return s, nil
}

func (s *portaudioSource) Frames() <-chan Frame {
	return s.frames
}

func (s *portaudioSource) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Capture read failed, stopping stream", logger.Error(err))
			return
		}

		samples := make([]int16, len(s.buf))
		copy(samples, s.buf)

		select {
		case s.frames <- Frame{Samples: samples, SampleRate: s.rate, Channels: s.channels}:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops capture and releases the device handle. Safe to call more
// than once; the device is released before Close returns.
func (s *portaudioSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		// Abort unblocks a Read in progress.
		s.stream.Abort()
		s.wg.Wait()
		s.closeErr = s.stream.Close()
		s.logger.Debug("Capture stopped")
	})
	return s.closeErr
}
