package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/tcriess/orgchat/chat"
	"github.com/tcriess/orgchat/feed"
	"github.com/tcriess/orgchat/filter"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

type envelope struct {
	Data interface{} `json:"data"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// Router returns the handler for the websocket endpoint, the REST snapshot endpoints and the health check.
func (h *Hub) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", h.ServeWs).Methods(http.MethodGet)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms", h.getRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{room}", h.getRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{room}/messages", h.getMessages).Methods(http.MethodGet)
	api.HandleFunc("/notifications", h.getNotifications).Methods(http.MethodGet)
	api.HandleFunc("/presence", h.getPresence).Methods(http.MethodGet)

	return cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         300,
	})(router)
}

func (h *Hub) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]interface{}{"status": "ok", "connections": h.NoClients()})
}

// getRooms applies the configured room filter if a user_id is given.
func (h *Hub) getRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.services.Chat.Rooms(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if userId := r.URL.Query().Get("user_id"); userId != "" {
		rooms = filter.Rooms(types.User{Id: userId}, rooms, h.roomFilter)
	}
	writeJSON(w, r, rooms)
}

func (h *Hub) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.services.Chat.Room(r.Context(), mux.Vars(r)["room"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, r, room)
}

func (h *Hub) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId := mux.Vars(r)["room"]
	if _, err := h.services.Chat.Room(r.Context(), roomId); err != nil {
		h.writeError(w, err)
		return
	}
	messages, err := h.services.Chat.Messages(r.Context(), roomId)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, r, messages)
}

func (h *Hub) getNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := h.services.Feed.Recent(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, r, types.NotificationsMessage{
		Notifications: notifications,
		Unread:        feed.UnreadCount(notifications, r.URL.Query().Get("user_id")),
	})
}

func (h *Hub) getPresence(w http.ResponseWriter, r *http.Request) {
	online, err := h.services.Presence.Online(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, r, online)
}

func (h *Hub) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidPath):
		status = http.StatusBadRequest
	default:
		h.logger.Error("request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: err.Error()})
}

// writeJSON writes data in the {"data": ...} envelope. The ETag is a hash of the data, a matching If-None-Match
// header results in 304 Not Modified.
func writeJSON(w http.ResponseWriter, r *http.Request, data interface{}) {
	hash, err := hashstructure.Hash(data, hashstructure.FormatV2, nil)
	if err == nil {
		etag := fmt.Sprintf(`"%x"`, hash)
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}
