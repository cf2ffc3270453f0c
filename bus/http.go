package bus

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/shortsguard/settings"
)

// maxBody caps request bodies; messages are a handful of booleans.
const maxBody = 64 << 10

// RegisterHTTP mounts the request/response side of the bus on mux:
//
//	POST /message   {"action": "..."}   → handler response
//	GET  /settings                      → getSettings
//	PUT  /settings  {"flag": true, ...} → updateSettings
func (r *Router) RegisterHTTP(mux chi.Router) {
	mux.Post("/message", r.serveMessage)
	mux.Get("/settings", func(w http.ResponseWriter, req *http.Request) {
		r.forward(w, req, Message{Action: ActionGetSettings})
	})
	mux.Put("/settings", func(w http.ResponseWriter, req *http.Request) {
		var partial settings.Settings
		if err := json.NewDecoder(io.LimitReader(req.Body, maxBody)).Decode(&partial); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		r.forward(w, req, Message{Action: ActionUpdateSettings, Settings: partial})
	})
}

// HTTPHandler returns a standalone chi mux serving RegisterHTTP routes.
func (r *Router) HTTPHandler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.RegisterHTTP(mux)
	return mux
}

func (r *Router) serveMessage(w http.ResponseWriter, req *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBody)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if msg.Action == ActionSettingsChanged {
		writeError(w, http.StatusBadRequest, errors.New("bus: settingsChanged is broadcast-only"))
		return
	}
	r.forward(w, req, msg)
}

func (r *Router) forward(w http.ResponseWriter, req *http.Request, msg Message) {
	resp, err := r.Request(req.Context(), msg)
	if err != nil {
		var nf *ErrActionNotFound
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
