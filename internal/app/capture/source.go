package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/dkeye/meshroom/internal/core"
)

const (
	defaultVideoFrame = 33 * time.Millisecond
	defaultAudioFrame = 20 * time.Millisecond
	opusClockRate     = 48000
)

// SampleSource yields encoded samples from a capture device.
type SampleSource interface {
	Mime() string
	NextSample() (media.Sample, error)
	// Rewind restarts the source from the beginning.
	Rewind() error
	Close() error
}

// OpenSource opens a file backed capture device. IVF files carry VP8/VP9
// video, Ogg files Opus audio.
func OpenSource(path string) (SampleSource, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no device configured", core.ErrDeviceUnavailable)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, classifyOpenError(path, err)
	}
	var src SampleSource
	switch filepath.Ext(path) {
	case ".ivf":
		src, err = newIVFSource(f)
	case ".ogg", ".opus":
		src, err = newOggSource(f)
	default:
		err = fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", core.ErrDeviceUnavailable, path, err)
	}
	return src, nil
}

func classifyOpenError(path string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %s", core.ErrPermissionDenied, path)
	}
	return fmt.Errorf("%w: %s: %v", core.ErrDeviceUnavailable, path, err)
}

type ivfSource struct {
	f        *os.File
	reader   *ivfreader.IVFReader
	mime     string
	timebase float64
	lastTS   uint64
}

func newIVFSource(f *os.File) (*ivfSource, error) {
	s := &ivfSource{f: f}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ivfSource) open() error {
	reader, header, err := ivfreader.NewWith(s.f)
	if err != nil {
		return err
	}
	switch string(header.FourCC[:3]) {
	case "VP8":
		s.mime = webrtc.MimeTypeVP8
	case "VP9":
		s.mime = webrtc.MimeTypeVP9
	default:
		return fmt.Errorf("unsupported ivf codec %q", string(header.FourCC[:]))
	}
	s.reader = reader
	s.timebase = float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator)
	s.lastTS = 0
	return nil
}

func (s *ivfSource) Mime() string { return s.mime }

func (s *ivfSource) NextSample() (media.Sample, error) {
	frame, header, err := s.reader.ParseNextFrame()
	if err != nil {
		return media.Sample{}, err
	}
	d := time.Duration(s.timebase*float64(header.Timestamp-s.lastTS)*1000) * time.Millisecond
	s.lastTS = header.Timestamp
	if d <= 0 {
		d = defaultVideoFrame
	}
	return media.Sample{Data: frame, Duration: d}, nil
}

func (s *ivfSource) Rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return s.open()
}

func (s *ivfSource) Close() error { return s.f.Close() }

type oggSource struct {
	f           *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func newOggSource(f *os.File) (*oggSource, error) {
	s := &oggSource{f: f}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) open() error {
	reader, _, err := oggreader.NewWith(s.f)
	if err != nil {
		return err
	}
	s.reader = reader
	s.lastGranule = 0
	return nil
}

func (s *oggSource) Mime() string { return webrtc.MimeTypeOpus }

func (s *oggSource) NextSample() (media.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	if err != nil {
		return media.Sample{}, err
	}
	var d time.Duration
	if header.GranulePosition > s.lastGranule {
		samples := float64(header.GranulePosition - s.lastGranule)
		d = time.Duration((samples/opusClockRate)*1000) * time.Millisecond
	}
	s.lastGranule = header.GranulePosition
	if d <= 0 {
		d = defaultAudioFrame
	}
	return media.Sample{Data: page, Duration: d}, nil
}

func (s *oggSource) Rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return s.open()
}

func (s *oggSource) Close() error { return s.f.Close() }
