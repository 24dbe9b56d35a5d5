// Package api exposes the JSON HTTP surface. Callers are identified by an
// opaque X-User-ID header supplied by the fronting proxy; this service does
// not manage end-user sessions itself.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jw6ventures/calsync/internal/calendar"
	"github.com/jw6ventures/calsync/internal/store"
)

const (
	userHeader  = "X-User-ID"
	maxBodySize = 1 << 20
)

type Handler struct {
	svc *calendar.Service
}

func NewHandler(svc *calendar.Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the API under the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/connections", h.listConnections)
	r.Get("/connect/{provider}/url", h.authURL)
	r.Post("/connect/{provider}", h.completeConnect)
	r.Post("/connections/ics", h.connectICS)
	r.Delete("/connections/{id}", h.disconnect)
	r.Post("/connections/{id}/sync", h.triggerSync)
	r.Post("/connections/{id}/events", h.createEvent)
	r.Get("/events", h.listEvents)
	r.Put("/events/{id}", h.updateEvent)
	r.Delete("/events/{id}", h.deleteEvent)
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conns, err := h.svc.ListConnections(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (h *Handler) authURL(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	p, ok := parseProvider(chi.URLParam(r, "provider"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errBody("unknown provider"))
		return
	}
	state := r.URL.Query().Get("state")
	u, err := h.svc.AuthURL(p, state)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (h *Handler) completeConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	p, ok := parseProvider(chi.URLParam(r, "provider"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errBody("unknown provider"))
		return
	}
	var body struct {
		Code        string   `json:"code"`
		CalendarIDs []string `json:"calendar_ids"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Code == "" {
		writeJSON(w, http.StatusBadRequest, errBody("code is required"))
		return
	}
	conns, err := h.svc.CompleteOAuthConnect(r.Context(), userID, p, body.Code, body.CalendarIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"connections": conns})
}

func (h *Handler) connectICS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		FeedURL string `json:"feed_url"`
		Name    string `json:"name"`
	}
	if !decode(w, r, &body) {
		return
	}
	conn, err := h.svc.ConnectICS(r.Context(), userID, body.FeedURL, body.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"connection": conn})
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.svc.Disconnect(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.svc.TriggerSync(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("from must be RFC3339"))
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("to must be RFC3339"))
		return
	}
	window := calendar.EventWindow{
		From:   from,
		To:     to,
		Expand: q.Get("expand") == "true",
	}
	if ids := q.Get("connection_ids"); ids != "" {
		window.ConnectionIDs = strings.Split(ids, ",")
	}
	events, err := h.svc.ListEvents(r.Context(), userID, window)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type eventBody struct {
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Location       string           `json:"location"`
	Start          time.Time        `json:"start"`
	End            time.Time        `json:"end"`
	Timezone       string           `json:"timezone"`
	AllDay         bool             `json:"all_day"`
	RecurrenceRule string           `json:"recurrence_rule"`
	Attendees      []store.Attendee `json:"attendees"`
	Reminders      []store.Reminder `json:"reminders"`
}

func (b eventBody) input() calendar.EventInput {
	return calendar.EventInput{
		Title:          b.Title,
		Description:    b.Description,
		Location:       b.Location,
		Start:          b.Start,
		End:            b.End,
		Timezone:       b.Timezone,
		AllDay:         b.AllDay,
		RecurrenceRule: b.RecurrenceRule,
		Attendees:      b.Attendees,
		Reminders:      b.Reminders,
	}
}

func (h *Handler) createEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body eventBody
	if !decode(w, r, &body) {
		return
	}
	ev, err := h.svc.CreateEvent(r.Context(), userID, chi.URLParam(r, "id"), body.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": ev})
}

func (h *Handler) updateEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body eventBody
	if !decode(w, r, &body) {
		return
	}
	ev, err := h.svc.UpdateEvent(r.Context(), userID, chi.URLParam(r, "id"), body.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": ev})
}

func (h *Handler) deleteEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteEvent(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errBody("missing "+userHeader+" header"))
		return "", false
	}
	return userID, true
}

func parseProvider(raw string) (store.Provider, bool) {
	switch strings.ToUpper(raw) {
	case string(store.ProviderGoogle):
		return store.ProviderGoogle, true
	case string(store.ProviderMicrosoft):
		return store.ProviderMicrosoft, true
	default:
		return "", false
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer io.Copy(io.Discard, r.Body)
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[ERROR] api: encode response: %v", err)
	}
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case calendar.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
	case errors.Is(err, calendar.ErrReadOnly):
		writeJSON(w, http.StatusForbidden, errBody(err.Error()))
	case errors.Is(err, calendar.ErrForbidden), errors.Is(err, store.ErrNotFound):
		// Resources owned by other users look exactly like missing ones.
		writeJSON(w, http.StatusNotFound, errBody("not found"))
	default:
		log.Printf("[ERROR] api: %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errBody("internal error"))
	}
}
