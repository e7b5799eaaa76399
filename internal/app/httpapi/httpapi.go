package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meshcall/internal/app/rooms"
	"meshcall/pkg/webrtc/protocol"
)

const storeTimeout = 3 * time.Second

type Settings struct {
	ICEMode     string
	ICEServers  []protocol.ICEServer
	PublicWSURL string
}

// MemberLister reports the participants currently in a room.
type MemberLister interface {
	Members(ctx context.Context, room string) ([]string, error)
}

// Summarizer turns a meeting recording into a JSON summary.
type Summarizer interface {
	Summarize(ctx context.Context, filename string, video io.Reader) (json.RawMessage, error)
}

func SPAHandler(staticDir string) http.Handler {
	fs := http.FileServer(http.Dir(staticDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		path := filepath.Join(staticDir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}

		index := filepath.Join(staticDir, "index.html")
		http.ServeFile(w, r, index)
	})
}

func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, nil)
	})
}

func DebugICEHandler(settings Settings) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":       settings.ICEMode,
			"iceServers": settings.ICEServers,
		}, nil)
	})
}

func SettingsHandler(settings Settings, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"wsURL":      resolveWSURL(settings, r),
			"iceMode":    settings.ICEMode,
			"iceServers": settings.ICEServers,
		}, logger)
	})
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}

	proto := "ws"
	if isTLS(r) {
		proto = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", proto, hostOf(r))
}

func CreateRoomHandler(store rooms.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		room, err := store.Create(ctx)
		if err != nil {
			logger.Error("room create error", "err", err)
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"code": room.Code,
			"url":  roomURL(r, room.Code),
		}, logger)
	})
}

// RoomLookupHandler reports whether a room is active. Rooms come into being
// on first join, so an unminted code with members is still active.
func RoomLookupHandler(store rooms.Store, members MemberLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		code := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
		code = strings.Trim(code, "/")
		if code == "" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		room, err := store.Get(ctx, code)
		if err != nil && !errors.Is(err, rooms.ErrNotFound) {
			logger.Error("room lookup error", "room", code, "err", err)
			http.Error(w, "failed to lookup room", http.StatusInternalServerError)
			return
		}
		ids, err := members.Members(ctx, code)
		if err != nil {
			logger.Error("room members error", "room", code, "err", err)
			http.Error(w, "failed to lookup room", http.StatusInternalServerError)
			return
		}
		if room == nil && len(ids) == 0 {
			http.NotFound(w, r)
			return
		}

		payload := map[string]interface{}{
			"code":    code,
			"url":     roomURL(r, code),
			"active":  len(ids) > 0,
			"members": len(ids),
		}
		if room != nil {
			payload["createdAt"] = room.CreatedAt
		}
		writeJSON(w, http.StatusOK, payload, logger)
	})
}

// SummarizeHandler accepts a recording in multipart field "video" and relays
// it to the summarizer.
func SummarizeHandler(s Summarizer, maxUpload int64, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)

		file, header, err := r.FormFile("video")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing video upload"}, logger)
			return
		}
		defer file.Close()

		summary, err := s.Summarize(r.Context(), header.Filename, file)
		if err != nil {
			logger.Error("summarize failed", "file", header.Filename, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, logger)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(summary)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Warn("response encode error", "err", err)
	}
}

func roomURL(r *http.Request, code string) string {
	proto := "http"
	if isTLS(r) {
		proto = "https"
	}
	return fmt.Sprintf("%s://%s/rooms/%s", proto, hostOf(r), code)
}

func isTLS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func hostOf(r *http.Request) string {
	if r.Host == "" {
		return "localhost:8080"
	}
	return r.Host
}
