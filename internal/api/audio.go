package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AudioHandler serves GET /api/audio/<filename> (spec.md §6) straight off
// disk. http.ServeContent already honors Range requests, which is what
// lets a dashboard scrub a 10-minute OGG without downloading it whole —
// the same approach the teacher's CallsHandler.GetCallAudio takes via
// http.ServeFile.
type AudioHandler struct {
	audioDir string
	log      zerolog.Logger
}

func NewAudioHandler(audioDir string, log zerolog.Logger) *AudioHandler {
	return &AudioHandler{audioDir: audioDir, log: log.With().Str("component", "audio-handler").Logger()}
}

func (h *AudioHandler) Routes(r chi.Router) {
	r.Get("/audio/{filename}", h.Serve)
}

func (h *AudioHandler) Serve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		WriteError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	full := filepath.Join(h.audioDir, name)
	f, err := os.Open(full)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "audio not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "audio not found")
		return
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".ogg":
		w.Header().Set("Content-Type", "audio/ogg")
	case ".wav":
		w.Header().Set("Content-Type", "audio/wav")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}

	http.ServeContent(w, r, name, info.ModTime(), f)
}
