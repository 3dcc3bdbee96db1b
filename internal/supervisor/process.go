package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// childProcess wraps one long-running subprocess with its stdio pipes,
// grounded on the retrieval pack's persistent-decoder-process shape
// (madpsy-ka9q_ubersdr's StreamingDecoder: StdinPipe/StdoutPipe/Start,
// readers spawned as separate goroutines).
type childProcess struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	// exited is closed exactly once, by the single goroutine that calls
	// wait(), so other goroutines (notably stopGracefully) can observe
	// process exit without calling exec.Cmd.Wait a second time.
	exited chan struct{}
}

// spawnIQSource starts rtl_sdr dumping raw 8-bit unsigned IQ to stdout,
// used in multi-station (channelizer) mode.
func spawnIQSource(ctx context.Context, path string, deviceIndex int, centerHz int64, sampleRate int) (*childProcess, error) {
	args := []string{
		"-d", strconv.Itoa(deviceIndex),
		"-f", strconv.FormatInt(centerHz, 10),
		"-s", strconv.Itoa(sampleRate),
		"-",
	}
	return spawn(ctx, "rtl_sdr", path, args)
}

// spawnFMSource starts rtl_fm demodulating one station directly to PCM on
// stdout, used in single-station mode (bypasses the channelizer).
func spawnFMSource(ctx context.Context, path string, deviceIndex int, freqHz int64, sampleRate int) (*childProcess, error) {
	args := []string{
		"-d", strconv.Itoa(deviceIndex),
		"-f", strconv.FormatInt(freqHz, 10),
		"-M", "fm",
		"-s", strconv.Itoa(sampleRate),
		"-",
	}
	return spawn(ctx, "rtl_fm", path, args)
}

// spawnDecoder starts one redsea process reading raw PCM on stdin at
// sampleRate and emitting line-delimited JSON groups on stdout.
func spawnDecoder(ctx context.Context, path string, sampleRate int) (*childProcess, error) {
	args := []string{"-r", strconv.Itoa(sampleRate)}
	return spawn(ctx, "redsea", path, args)
}

func spawn(ctx context.Context, name, path string, args []string) (*childProcess, error) {
	cmd := exec.CommandContext(ctx, path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: stdin pipe: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%s: stdout pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("%s: start: %w", name, err)
	}
	return &childProcess{name: name, cmd: cmd, stdin: stdin, stdout: stdout, exited: make(chan struct{})}, nil
}

// wait blocks until the process exits and closes c.exited exactly once.
// Exactly one goroutine per childProcess must call this.
func (c *childProcess) wait() error {
	err := c.cmd.Wait()
	close(c.exited)
	return err
}

// stopGracefully sends SIGTERM and waits up to grace for the process to
// exit (observed via c.exited, populated by whichever goroutine called
// wait()), then sends SIGKILL — the shutdown_grace contract of spec.md
// §4.5.
func (c *childProcess) stopGracefully(grace time.Duration) {
	if c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-c.exited:
	case <-time.After(grace):
		_ = c.cmd.Process.Kill()
		<-c.exited
	}
}

// readDecoderLines runs fn for every newline-delimited line on stdout until EOF
// or ctx is cancelled. Intended to run in its own goroutine, one per
// decoder subprocess.
func readDecoderLines(ctx context.Context, stdout io.Reader, fn func(line []byte), log zerolog.Logger) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		fn(cp)
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Msg("decoder stdout reader stopped")
	}
}
