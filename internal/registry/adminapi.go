package registry

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// AdminAPI exposes the supplemented admin control-plane surface: SUSPEND,
// RESUME and read-only snapshot of a subscription, authenticated with
// AdminAuth. It is the only writer of EventAdminSuspend / EventAdminResume.
type AdminAPI struct {
	reg    *Registry
	auth   *AdminAuth
	logger zerolog.Logger
}

// NewAdminAPI builds an AdminAPI bound to reg and auth.
func NewAdminAPI(reg *Registry, auth *AdminAuth, logger zerolog.Logger) *AdminAPI {
	return &AdminAPI{reg: reg, auth: auth, logger: logger.With().Str("component", "admin_api").Logger()}
}

// Handler returns the mux for this API, wrapped in authentication.
func (a *AdminAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/subscriptions/suspend", a.auth.Middleware(a.handleSuspend))
	mux.HandleFunc("/admin/subscriptions/resume", a.auth.Middleware(a.handleResume))
	mux.HandleFunc("/admin/subscriptions/get", a.auth.Middleware(a.handleGet))
	return mux
}

type subscriptionRequest struct {
	SubscriptionID  string `json:"subscription_id"`
	ExpectedVersion uint64 `json:"expected_version"`
}

func (a *AdminAPI) handleSuspend(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, EventAdminSuspend)
}

func (a *AdminAPI) handleResume(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, EventAdminResume)
}

func (a *AdminAPI) transition(w http.ResponseWriter, r *http.Request, event Event) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sub, err := a.reg.Transition(req.SubscriptionID, event, req.ExpectedVersion)
	switch err {
	case nil:
		a.logger.Info().Str("subscription_id", req.SubscriptionID).Str("event", string(event)).
			Str("new_state", string(sub.State)).Msg("admin transition applied")
		writeJSON(w, http.StatusOK, sub)
	case ErrNotFound:
		http.Error(w, "subscription not found", http.StatusNotFound)
	case ErrVersionConflict:
		http.Error(w, "version conflict, retry with latest version", http.StatusConflict)
	default:
		a.logger.Error().Err(err).Msg("admin transition failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (a *AdminAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("subscription_id")
	sub, err := a.reg.SnapshotForAdmission(id)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, sub)
	case ErrNotFound:
		http.Error(w, "subscription not found", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
