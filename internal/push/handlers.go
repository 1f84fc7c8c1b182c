package push

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/skywave-social/skywave/internal/index"
)

// Handler exposes the push registration API.
type Handler struct {
	store      SubscriptionStore
	dispatcher *Dispatcher
	adminKey   string
}

// NewHandler creates the push HTTP handler. adminKey gates /broadcast;
// if empty, broadcast is disabled.
func NewHandler(store SubscriptionStore, dispatcher *Dispatcher, adminKey string) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		adminKey:   adminKey,
	}
}

// Routes mounts the push endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/subscribe", h.handleSubscribe)
	r.Post("/unsubscribe", h.handleUnsubscribe)
	r.Post("/send", h.handleSend)
	r.Post("/broadcast", h.handleBroadcast)
	return r
}

type subscribeRequest struct {
	OwnerDID     string `json:"ownerIdentity"`
	Subscription struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256DH string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	} `json:"subscription"`
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}
	if req.OwnerDID == "" || req.Subscription.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "ownerIdentity and subscription.endpoint are required")
		return
	}

	err := h.store.UpsertSubscription(&index.Subscription{
		OwnerDID: req.OwnerDID,
		Endpoint: req.Subscription.Endpoint,
		P256DH:   req.Subscription.Keys.P256DH,
		Auth:     req.Subscription.Keys.Auth,
	})
	if err != nil {
		log.Error().Err(err).Msg("push: subscribe failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to save subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "endpoint is required")
		return
	}

	if err := h.store.DeleteSubscription(req.Endpoint); err != nil {
		log.Error().Err(err).Msg("push: unsubscribe failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to delete subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

type sendRequest struct {
	OwnerDID string `json:"ownerIdentity"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	URL      string `json:"url"`
	Tag      string `json:"tag"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerDID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "ownerIdentity is required")
		return
	}

	h.dispatcher.Notify(r.Context(), req.OwnerDID, "", Payload{
		Kind:  KindCustom,
		Title: req.Title,
		Body:  req.Body,
		URL:   req.URL,
		Tag:   req.Tag,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type broadcastRequest struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	URL      string `json:"url"`
	Tag      string `json:"tag"`
	AdminKey string `json:"adminKey"`
}

func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}

	if h.adminKey == "" || subtle.ConstantTimeCompare([]byte(req.AdminKey), []byte(h.adminKey)) != 1 {
		writeError(w, http.StatusForbidden, "Forbidden", "invalid admin key")
		return
	}

	if err := h.dispatcher.Broadcast(r.Context(), Payload{
		Kind:  KindCustom,
		Title: req.Title,
		Body:  req.Body,
		URL:   req.URL,
		Tag:   req.Tag,
	}); err != nil {
		log.Error().Err(err).Msg("push: broadcast failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "broadcast failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "broadcast"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}
