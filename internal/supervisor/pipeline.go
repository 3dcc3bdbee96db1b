package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/snarg/rds-monitor/internal/channelizer"
	"github.com/snarg/rds-monitor/internal/metrics"
	"github.com/snarg/rds-monitor/internal/perrors"
	"github.com/snarg/rds-monitor/internal/rds"
	"github.com/snarg/rds-monitor/internal/recorder"
	"github.com/snarg/rds-monitor/internal/tee"
)

// bridgeBufferBlocks bounds how many pending PCM chunks a station's
// channelizer-to-tee bridge holds before Push starts dropping.
const bridgeBufferBlocks = 64

func (s *Supervisor) recorderConfig() recorder.Config {
	return recorder.Config{
		AudioDir:         s.cfg.AudioDir,
		FFmpegPath:       s.cfg.FFmpegPath,
		InputSampleRate:  171000,
		OutputSampleRate: 16000,
		MaxRecordingSec:  s.cfg.MaxRecordingSec,
		MinDurationSec:   s.cfg.MinDurationSec,
	}
}

func (s *Supervisor) newRecorderForStation(freqHz int64) *recorder.Recorder {
	label := fmt.Sprintf("%d", freqHz)
	onCapped := func(eventID int64) {
		s.engine.ForceEndActive(context.Background(), freqHz, eventID)
	}
	return recorder.New(label, s.recorderConfig(), s.handoff, onCapped, s.log)
}

// startSingleStation wires the single-frequency path: rtl_fm emits PCM
// directly (no channelizer), one redsea decoder reads it via the tee.
func (s *Supervisor) startSingleStation(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error, procs *[]*childProcess) error {
	freqHz := s.cfg.Frequencies[0]

	fmSource, err := spawnFMSource(ctx, s.cfg.RTLFMPath, s.cfg.RTLDeviceIndex, freqHz, 171000)
	if err != nil {
		return &perrors.DeviceError{Reason: "rtl_fm failed to start", Err: err}
	}
	*procs = append(*procs, fmSource)
	s.watchProcess(ctx, wg, errCh, fmSource)

	decoder, err := spawnDecoder(ctx, s.cfg.RedseaPath, 171000)
	if err != nil {
		return &perrors.PipelineError{Process: "redsea", Err: err}
	}
	*procs = append(*procs, decoder)
	s.watchProcess(ctx, wg, errCh, decoder)

	rec := s.newRecorderForStation(freqHz)
	s.engine.Register(freqHz, rec)

	t := tee.New("single", decoder.stdin, rec, s.log)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := t.Run(ctx, fmSource.stdout); err != nil {
			sendErr(errCh, fmt.Errorf("tee: %w", err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		readDecoderLines(ctx, decoder.stdout, s.handleDecodedLine(freqHz), s.log)
	}()

	return nil
}

// startMultiStation wires the channelizer path: one rtl_sdr IQ source,
// one channelizer fanning demodulated PCM to per-station bridges, one
// redsea decoder per station.
func (s *Supervisor) startMultiStation(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error, procs *[]*childProcess, bridges *[]*pcmBridge) error {
	centerHz := meanFreq(s.cfg.Frequencies)

	iqSource, err := spawnIQSource(ctx, s.cfg.RTLSDRPath, s.cfg.RTLDeviceIndex, centerHz, s.cfg.SampleRate)
	if err != nil {
		return &perrors.DeviceError{Reason: "rtl_sdr failed to start", Err: err}
	}
	*procs = append(*procs, iqSource)
	s.watchProcess(ctx, wg, errCh, iqSource)

	chzCfg := channelizer.Config{CenterHz: centerHz, SampleRate: s.cfg.SampleRate}

	for _, freqHz := range s.cfg.Frequencies {
		freqHz := freqHz
		decoder, err := spawnDecoder(ctx, s.cfg.RedseaPath, 171000)
		if err != nil {
			return &perrors.PipelineError{Process: "redsea", Err: err}
		}
		*procs = append(*procs, decoder)
		s.watchProcess(ctx, wg, errCh, decoder)

		bridge := newPCMBridge(bridgeBufferBlocks)
		*bridges = append(*bridges, bridge)
		chzCfg.Stations = append(chzCfg.Stations, channelizer.StationConfig{FreqHz: freqHz, Sink: bridge})

		rec := s.newRecorderForStation(freqHz)
		s.engine.Register(freqHz, rec)

		label := fmt.Sprintf("%d", freqHz)
		t := tee.New(label, decoder.stdin, rec, s.log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.Run(ctx, bridge); err != nil {
				sendErr(errCh, fmt.Errorf("tee %s: %w", label, err))
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			readDecoderLines(ctx, decoder.stdout, s.handleDecodedLine(freqHz), s.log)
		}()
	}

	chz := channelizer.New(chzCfg, s.log)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := chz.Run(ctx, iqSource.stdout); err != nil {
			sendErr(errCh, fmt.Errorf("channelizer: %w", err))
		} else if ctx.Err() == nil {
			sendErr(errCh, fmt.Errorf("channelizer: iq source closed"))
		}
	}()

	return nil
}

// watchProcess waits for a child process to exit and reports it as a
// pipeline failure unless the exit is due to ctx cancellation (the
// expected shutdown path).
func (s *Supervisor) watchProcess(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error, p *childProcess) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := p.wait()
		if ctx.Err() != nil {
			return
		}
		sendErr(errCh, &perrors.PipelineError{Process: p.name, Err: err})
	}()
}

// handleDecodedLine returns a per-station callback for readDecoderLines:
// parse one redsea JSON line and drive the rules engine, counting
// malformed lines rather than surfacing them (spec.md §7 DecodeError).
func (s *Supervisor) handleDecodedLine(freqHz int64) func(line []byte) {
	label := fmt.Sprintf("%d", freqHz)
	return func(line []byte) {
		g, err := rds.ParseLine(line)
		if err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues(label).Inc()
			return
		}
		if s.cfg.RawTopicEnabled && s.mqtt != nil {
			prefix := s.cfg.MQTTTopicPrefix
			if prefix == "" {
				prefix = "rds"
			}
			s.mqtt.Publish(fmt.Sprintf("%s/system/raw", prefix), line, false)
		}
		s.engine.Process(context.Background(), freqHz, g)
	}
}

func sendErr(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func meanFreq(freqs []int64) int64 {
	var sum int64
	for _, f := range freqs {
		sum += f
	}
	return sum / int64(len(freqs))
}
