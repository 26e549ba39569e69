package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/chatrelay/internal/protocol"
	"github.com/louisbranch/chatrelay/internal/roster"
	"github.com/louisbranch/chatrelay/internal/storage"
)

type roomResource struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type roomListResponse struct {
	Rooms         []roomResource `json:"rooms"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type messageListResponse struct {
	Messages      []protocol.Message `json:"messages"`
	NextPageToken string             `json:"nextPageToken,omitempty"`
}

type membershipResource struct {
	RoomID     string    `json:"roomId"`
	IdentityID string    `json:"identityId"`
	JoinedAt   time.Time `json:"joinedAt"`
}

type createRoomRequest struct {
	Name string `json:"name"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func roomResourceFromStorage(room storage.Room) roomResource {
	return roomResource{
		ID:        room.ID,
		Name:      room.Name,
		CreatedAt: room.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("relay: encode response: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

func pageParams(r *http.Request) (pageSize int, pageToken string) {
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("pageSize")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			pageSize = parsed
		}
	}
	return pageSize, strings.TrimSpace(query.Get("pageToken"))
}

func (s *Server) serveRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRooms(w, r)
	case http.MethodPost:
		s.createRoom(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeAPIError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
	}
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	pageSize, pageToken := pageParams(r)
	page, err := s.registry.List(r.Context(), pageSize, pageToken)
	if err != nil {
		log.Printf("relay: list rooms: %v", err)
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "list rooms failed")
		return
	}
	response := roomListResponse{
		Rooms:         make([]roomResource, 0, len(page.Rooms)),
		NextPageToken: page.NextPageToken,
	}
	for _, room := range page.Rooms {
		response.Rooms = append(response.Rooms, roomResourceFromStorage(room))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var request createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	room, err := s.registry.Create(r.Context(), request.Name)
	if err != nil {
		switch {
		case errors.Is(err, roster.ErrEmptyName):
			writeAPIError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "name is required")
		case errors.Is(err, roster.ErrNameTooLong):
			writeAPIError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "name too long")
		default:
			log.Printf("relay: create room: %v", err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "create room failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, roomResourceFromStorage(room))
}

func (s *Server) serveRoomAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeAPIError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
			return
		}
		s.getRoom(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "messages":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeAPIError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
			return
		}
		s.listMessages(w, r, parts[0])
	case len(parts) == 2 && (parts[1] == "join" || parts[1] == "leave"):
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeAPIError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
			return
		}
		s.changeMembership(w, r, parts[0], parts[1])
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "no such resource")
	}
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := s.registry.Get(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "room not found")
			return
		}
		log.Printf("relay: get room %s: %v", roomID, err)
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "get room failed")
		return
	}
	writeJSON(w, http.StatusOK, roomResourceFromStorage(room))
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	pageSize, pageToken := pageParams(r)
	page, err := s.log.Page(r.Context(), roomID, pageSize, pageToken)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotFound) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "room not found")
			return
		}
		log.Printf("relay: list messages room=%s: %v", roomID, err)
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "list messages failed")
		return
	}
	response := messageListResponse{
		Messages:      make([]protocol.Message, 0, len(page.Messages)),
		NextPageToken: page.NextPageToken,
	}
	for _, msg := range page.Messages {
		response.Messages = append(response.Messages, protocol.MessageFromStorage(msg))
	}
	writeJSON(w, http.StatusOK, response)
}

// changeMembership handles the REST join and leave actions. They require a
// validated identity; anonymous identities only exist on live connections.
func (s *Server) changeMembership(w http.ResponseWriter, r *http.Request, roomID string, action string) {
	token := accessTokenFromRequest(r)
	if token == "" || s.validator == nil {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}
	identity, err := s.validator.Validate(r.Context(), token)
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}
	identity, err = s.registry.EnsureIdentity(r.Context(), identity)
	if err != nil {
		log.Printf("relay: ensure identity %s: %v", identity.ID, err)
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "identity lookup failed")
		return
	}

	switch action {
	case "join":
		membership, err := s.registry.Join(r.Context(), roomID, identity.ID)
		if err != nil {
			if errors.Is(err, storage.ErrRoomNotFound) {
				writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "room not found")
				return
			}
			log.Printf("relay: join room=%s identity=%s: %v", roomID, identity.ID, err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "join failed")
			return
		}
		writeJSON(w, http.StatusOK, membershipResource{
			RoomID:     membership.RoomID,
			IdentityID: membership.IdentityID,
			JoinedAt:   membership.JoinedAt,
		})
	case "leave":
		if err := s.registry.Leave(r.Context(), roomID, identity.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "not a member of room")
				return
			}
			log.Printf("relay: leave room=%s identity=%s: %v", roomID, identity.ID, err)
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "leave failed")
			return
		}
		connIDs, offline := s.sessions.DetachIdentity(roomID, identity.ID)
		for _, conn := range s.lookupConns(connIDs) {
			s.hub.Unsubscribe(conn, roomID)
		}
		if offline {
			s.hub.Publish(roomID, protocol.PresenceChanged(roomID, identity.ID, false))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
