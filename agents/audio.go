package agents

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/bt-bridge/reporecon/shared"
)

// FrameSamples returns the number of samples a PCM frame of the given
// duration holds across all channels.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// AudioBuffer is a bounded PCM ring between the websocket receive loop and
// the speaker. Write drops the oldest bytes when full; Read blocks until
// data arrives or the buffer is closed.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		size:   0,
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return 0
	}
	if ab.size+len(data) > ab.cap {
		drop := ab.size + len(data) - ab.cap
		ab.buffer = ab.buffer[drop:]
		ab.size -= drop
		dropped = drop
	}
	ab.buffer = append(ab.buffer, data...)
	ab.size += len(data)
	ab.cond.Signal()
	return dropped
}

func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for ab.size == 0 && !ab.closed {
		ab.cond.Wait()
	}
	if ab.size == 0 {
		return 0, io.EOF
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	ab.size -= n
	return n, nil
}

// Close wakes blocked readers. Reads drain what is buffered, then get io.EOF.
func (ab *AudioBuffer) Close() {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
}

// Playback feeds a bounded ring of 16-bit PCM to the default output device.
type Playback struct {
	buffer *AudioBuffer
	player *oto.Player
}

// StartPlayback opens the output device and starts draining the returned
// ring. Only one oto context may exist per process.
func StartPlayback(logger shared.LoggerAdapter, sampleRate, channels int) (*Playback, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("creating audio output context: %w", err)
	}
	<-ready

	logger.Info("audio playback ready",
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	// Two bytes per sample; ten seconds of backlog before old audio is dropped.
	buffer := NewAudioBuffer(2 * FrameSamples(10*time.Second, sampleRate, channels))
	playback := &Playback{
		buffer: buffer,
		player: otoCtx.NewPlayer(buffer),
	}
	playback.player.Play()
	return playback, nil
}

func (p *Playback) Write(data []byte) (dropped int) {
	return p.buffer.Write(data)
}

func (p *Playback) Close() error {
	p.buffer.Close()
	return p.player.Close()
}

// Capture streams 16-bit PCM frames from the default microphone to a
// callback until closed.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func StartCapture(logger shared.LoggerAdapter, sampleRate, channels int, onFrame func([]byte)) (*Capture, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Trace("miniaudio", zap.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, inputSamples []byte, _ uint32) {
			// The sample slice is only valid for the duration of the callback.
			onFrame(append([]byte(nil), inputSamples...))
		},
	}
	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}

	logger.Info("microphone capture started",
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	return &Capture{ctx: malgoCtx, device: device}, nil
}

func (c *Capture) Close() error {
	_ = c.device.Stop()
	c.device.Uninit()
	err := c.ctx.Uninit()
	c.ctx.Free()
	return err
}
