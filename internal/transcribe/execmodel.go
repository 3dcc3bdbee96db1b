package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecModel shells out to a local whisper.cpp-style CLI binary for each
// job, the same os/exec subprocess pattern internal/recorder uses to
// invoke ffmpeg. It implements LocalModel; LocalProvider serializes calls
// to it since the underlying binary holds the model in its own process
// and is not meant to run more than one job concurrently per invocation.
type ExecModel struct {
	binary string
	model  string
}

// NewExecModel builds an ExecModel that runs `binary -m model -f <wav>
// -nt` per job and takes the transcript from its stdout. binary and model
// come from LOCAL_ASR_BINARY and LOCAL_ASR_MODEL_PATH.
func NewExecModel(binary, model string) *ExecModel {
	return &ExecModel{binary: binary, model: model}
}

// Load checks that the binary resolves on PATH without running a
// transcription, so startup fails fast on a bad binary rather than
// waiting for the first recorded clip. The model path is not checked.
func (m *ExecModel) Load() error {
	if _, err := exec.LookPath(m.binary); err != nil {
		return fmt.Errorf("local asr binary %q not found: %w", m.binary, err)
	}
	return nil
}

func (m *ExecModel) Transcribe(ctx context.Context, wavPath string) (string, error) {
	cmd := exec.CommandContext(ctx, m.binary, "-m", m.model, "-f", wavPath, "-nt")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("local asr: %w: %s", err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}
