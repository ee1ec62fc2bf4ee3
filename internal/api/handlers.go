package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice/internal/session"
	"github.com/manpreetbhatti/lattice/internal/store"
)

type API struct {
	manager *session.Manager
	store   store.Store
	log     *logrus.Entry
}

func New(manager *session.Manager, st store.Store) *API {
	return &API{
		manager: manager,
		store:   st,
		log:     logrus.WithField("component", "api"),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.WithError(err).Error("Error encoding JSON response")
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.manager.Rooms(r.Context())
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to read live rooms")
		return
	}

	clients, stopped := 0, 0
	for _, room := range rooms {
		clients += room.Participants
		if room.State == session.StateStopped {
			stopped++
		}
	}

	stats := map[string]any{
		"active_rooms":         len(rooms),
		"active_clients":       clients,
		"stopped_active_rooms": stopped,
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
	}

	if s, ok := a.store.(store.Stats); ok {
		dbStats, err := s.GetStats(r.Context())
		if err == nil {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_updates"] = dbStats["update_count"]
			stats["stopped_rooms"] = dbStats["stopped_room_count"]
		} else {
			a.log.WithError(err).Warn("Failed to read store stats")
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID             string     `json:"id"`
	IsActive       bool       `json:"is_active"`
	StoppedAt      *time.Time `json:"stopped_at"`
	Live           bool       `json:"live"`
	ActiveUsers    int        `json:"active_users"`
	PendingUpdates int        `json:"pending_updates,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

func liveRoom(info session.Info) RoomResponse {
	return RoomResponse{
		ID:             info.RoomID,
		IsActive:       info.State == session.StateActive,
		StoppedAt:      info.StoppedAt,
		Live:           true,
		ActiveUsers:    info.Participants,
		PendingUpdates: info.PendingUpdates,
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	infos, err := a.manager.Rooms(r.Context())
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to read live rooms")
		return
	}
	live := make(map[string]session.Info, len(infos))
	rooms := make([]RoomResponse, 0, len(infos))
	for _, info := range infos {
		live[info.RoomID] = info
		rooms = append(rooms, liveRoom(info))
	}

	response := map[string]any{
		"rooms":  rooms,
		"limit":  limit,
		"offset": offset,
	}

	if lister, ok := a.store.(store.Lister); ok {
		summaries, err := lister.ListRooms(r.Context(), limit, offset)
		if err != nil {
			a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
			return
		}
		persisted := make([]RoomResponse, len(summaries))
		for i, summary := range summaries {
			room := RoomResponse{
				ID:        summary.ID,
				IsActive:  summary.IsActive,
				StoppedAt: summary.StoppedAt,
				CreatedAt: timePtr(summary.CreatedAt),
				UpdatedAt: timePtr(summary.UpdatedAt),
			}
			if info, ok := live[summary.ID]; ok {
				room.Live = true
				room.IsActive = info.State == session.StateActive
				room.StoppedAt = info.StoppedAt
				room.ActiveUsers = info.Participants
				room.PendingUpdates = info.PendingUpdates
			}
			persisted[i] = room
		}
		response["persisted"] = persisted
	}

	a.jsonResponse(w, http.StatusOK, response)
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Extract room ID from path: /api/rooms/{id}
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	roomID := strings.TrimSuffix(path, "/")

	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	info, err := a.manager.Room(r.Context(), roomID)
	if err == nil {
		a.jsonResponse(w, http.StatusOK, liveRoom(info))
		return
	}
	if !errors.Is(err, session.ErrRoomNotFound) {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	meta, err := a.store.GetMetadata(r.Context(), roomID)
	if errors.Is(err, store.ErrNotFound) {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		a.log.WithError(err).WithField("room_id", roomID).Error("Failed to read room metadata")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	a.jsonResponse(w, http.StatusOK, RoomResponse{
		ID:        meta.RoomID,
		IsActive:  meta.IsActive,
		StoppedAt: meta.StoppedAt,
		UpdatedAt: timePtr(meta.UpdatedAt),
	})
}

func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms")

	// /api/rooms or /api/rooms/
	if path == "" || path == "/" {
		a.ListRoomsHandler(w, r)
		return
	}

	// /api/rooms/{id}
	a.GetRoomHandler(w, r)
}

// Routes registers every handler on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.HealthHandler)
	mux.HandleFunc("/api/stats", a.StatsHandler)
	mux.HandleFunc("/api/rooms", a.RoomsRouter)
	mux.HandleFunc("/api/rooms/", a.RoomsRouter)
}

// CORS allows browser clients on other origins to call the API.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
