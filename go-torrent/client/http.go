package client

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Fjnieve/torrent-streamer/go-torrent/stats"
	"github.com/Fjnieve/torrent-streamer/go-torrent/stream"
)

const MAX_TORRENT_SIZE = 10 << 20

// HTTPServeMux exposes a client over HTTP: adding torrents, listing
// sessions and files, and streaming a file with Range support.
type HTTPServeMux struct {
	*http.ServeMux
	client *Client
}

type sessionJSON struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Stats stats.Snapshot `json:"stats"`
}

type fileJSON struct {
	Index    int     `json:"index"`
	Path     string  `json:"path"`
	Length   int64   `json:"length"`
	Progress float32 `json:"progress"`
	URL      string  `json:"url"`
}

func NewHTTPServeMux(c *Client) *HTTPServeMux {
	sm := &HTTPServeMux{
		ServeMux: http.NewServeMux(),
		client:   c,
	}
	sm.HandleFunc("POST /torrents", sm.uploadTorrent)
	sm.HandleFunc("GET /torrents", sm.listTorrents)
	sm.HandleFunc("DELETE /torrents/{id}", sm.removeTorrent)
	sm.HandleFunc("GET /torrents/{id}/files", sm.listFiles)
	sm.HandleFunc("/torrents/{id}/files/{index}/stream", sm.stream)
	return sm
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func errorStatus(err error) int {
	if status := stream.ErrorStatus(err); status != http.StatusInternalServerError {
		return status
	}
	return http.StatusBadRequest
}

// uploadTorrent accepts either a torrent file or a magnet link as the body.
func (sm *HTTPServeMux) uploadTorrent(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MAX_TORRENT_SIZE))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	var s *Session
	if text := strings.TrimSpace(string(body)); strings.HasPrefix(text, "magnet:") {
		s, err = sm.client.AddMagnet(text)
	} else {
		s, err = sm.client.AddTorrent(bytes.NewReader(body))
	}
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(rw, http.StatusOK, sessionJSON{ID: s.ID(), Name: s.Name(), Stats: s.Snapshot()})
}

func (sm *HTTPServeMux) listTorrents(rw http.ResponseWriter, r *http.Request) {
	list := []sessionJSON{}
	for _, s := range sm.client.Sessions() {
		list = append(list, sessionJSON{ID: s.ID(), Name: s.Name(), Stats: s.Snapshot()})
	}
	writeJSON(rw, http.StatusOK, list)
}

func (sm *HTTPServeMux) removeTorrent(rw http.ResponseWriter, r *http.Request) {
	if err := sm.client.Remove(r.PathValue("id")); err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (sm *HTTPServeMux) session(rw http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, ok := sm.client.Session(r.PathValue("id"))
	if !ok {
		http.Error(rw, "unknown torrent", http.StatusNotFound)
	}
	return s, ok
}

func (sm *HTTPServeMux) listFiles(rw http.ResponseWriter, r *http.Request) {
	s, ok := sm.session(rw, r)
	if !ok {
		return
	}
	files, err := s.Files()
	if err != nil {
		http.Error(rw, err.Error(), errorStatus(err))
		return
	}
	list := make([]fileJSON, 0, len(files))
	for _, f := range files {
		list = append(list, fileJSON{
			Index:    f.Index,
			Path:     f.Path,
			Length:   f.Length,
			Progress: f.PercentageComplete(),
			URL:      "/torrents/" + s.ID() + "/files/" + strconv.Itoa(f.Index) + "/stream",
		})
	}
	writeJSON(rw, http.StatusOK, list)
}

func (sm *HTTPServeMux) stream(rw http.ResponseWriter, r *http.Request) {
	s, ok := sm.session(rw, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(rw, "bad file index", http.StatusBadRequest)
		return
	}
	s.Handler(index).ServeHTTP(rw, r)
}
