package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// RemoteProvider posts a WAV file to a speaches/whisper.cpp-server style
// `/asr` endpoint, the multipart HTTP POST pattern adapted from the
// teacher's WhisperClient.
type RemoteProvider struct {
	baseURL  string
	language string
	timeout  time.Duration
	client   *http.Client
}

// NewRemoteProvider builds a RemoteProvider posting to
// `<baseURL>/asr?encode=true&task=transcribe&language=<language>&output=json`.
func NewRemoteProvider(baseURL, language string, timeout time.Duration) *RemoteProvider {
	return &RemoteProvider{
		baseURL:  baseURL,
		language: language,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *RemoteProvider) Name() string { return "remote" }

type remoteResponse struct {
	Text string `json:"text"`
}

// Transcribe posts wavPath's bytes to the remote ASR endpoint. One retry
// with a 5s backoff is attempted on connection errors or 5xx responses;
// 4xx responses are never retried. The hard ctx timeout (remote_timeout,
// default 120s) bounds both attempts together.
func (p *RemoteProvider) Transcribe(ctx context.Context, wavPath string) (Response, error) {
	endpoint := fmt.Sprintf("%s/asr?encode=true&task=transcribe&language=%s&output=json",
		p.baseURL, url.QueryEscape(p.language))

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}

		resp, err := p.postOnce(ctx, endpoint, wavPath)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("remote asr: status %d: %s", e.code, e.body)
}

func isRetryable(err error) bool {
	se, ok := err.(*statusError)
	if !ok {
		return true // connection-level error
	}
	return se.code >= 500
}

func (p *RemoteProvider) postOnce(ctx context.Context, endpoint, wavPath string) (Response, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return Response{}, fmt.Errorf("open wav file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio_file", filepath.Base(wavPath))
	if err != nil {
		return Response{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return Response{}, fmt.Errorf("copy audio data: %w", err)
	}
	if err := w.Close(); err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("remote asr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var parsed remoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return Response{Text: parsed.Text, Language: p.language}, nil
}
