package capture

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/frostbyte73/core"
	"github.com/rs/zerolog"
)

// Pump reads samples from a source and writes them to a track at the
// source's own pace.
type Pump struct {
	Src   SampleSource
	Track *Track
	// Loop rewinds the source at EOF instead of ending.
	Loop bool

	cancel context.CancelFunc
	done   core.Fuse
	ended  core.Fuse
}

func NewPump(src SampleSource, track *Track, loop bool) *Pump {
	return &Pump{Src: src, Track: track, Loop: loop}
}

// Ended fires once the source ran out or failed. It does not fire on Stop.
func (p *Pump) Ended() <-chan struct{} { return p.ended.Watch() }

// Done fires once the loop exited for any reason.
func (p *Pump) Done() <-chan struct{} { return p.done.Watch() }

func (p *Pump) loop(ctx context.Context, logger *zerolog.Logger) {
	defer p.done.Break()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("pump ctx done")
			return
		case <-timer.C:
		}

		sample, err := p.Src.NextSample()
		if errors.Is(err, io.EOF) && p.Loop {
			if err = p.Src.Rewind(); err == nil {
				timer.Reset(0)
				continue
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("source ended")
			} else {
				logger.Error().Err(err).Msg("source read error, stopping")
			}
			p.ended.Break()
			return
		}

		if _, err := p.Track.WriteSample(sample); err != nil {
			logger.Warn().Err(err).Msg("write sample")
		}
		timer.Reset(sample.Duration)
	}
}
