package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/sirupsen/logrus"
)

// Opener returns a fresh reader for one HTTP request. The reader is closed
// when the request finishes.
type Opener func(ctx context.Context) (*Reader, error)

type handler struct {
	open    Opener
	modTime time.Time
}

// NewHandler serves a single file with Range support. Every request gets its
// own reader, so concurrent players each steer the download to their own
// position.
func NewHandler(open Opener) http.Handler {
	return &handler{open: open, modTime: time.Now()}
}

// ErrorStatus maps a failure to open or read a stream to an HTTP status.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, torrent.ErrNotYetAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, torrent.ErrSessionDestroyed):
		return http.StatusGone
	case errors.Is(err, ErrNoSuchFile):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Range, Content-Type")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-cache")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet, http.MethodHead:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := h.open(r.Context())
	if err != nil {
		log.WithError(err).Warn("cannot open stream")
		http.Error(w, err.Error(), ErrorStatus(err))
		return
	}
	defer reader.Close()

	log.WithFields(logrus.Fields{
		"file":   reader.Name(),
		"method": r.Method,
		"range":  r.Header.Get("Range"),
		"remote": r.RemoteAddr,
	}).Debug("serving stream")
	http.ServeContent(w, r, reader.Name(), h.modTime, reader)
}
