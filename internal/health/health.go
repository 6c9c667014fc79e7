// Package health serves liveness and readiness probes for the voice server.
//
// /healthz answers 200 whenever the process can serve HTTP at all. /readyz
// additionally runs every registered [Checker] (the turn archive, each
// configured speech backend) and answers 503 if any of them fails, so load
// balancers stop routing new conversations to an instance whose dependencies
// are down.
//
// Both endpoints reply with a JSON body carrying a top-level "status" of "ok"
// or "fail" and, for readiness, a per-check result map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check. A probe that hangs must not
// stall the whole /readyz response.
const checkTimeout = 5 * time.Second

// Checker is one named dependency probe. Check returns nil when the
// dependency is usable and a descriptive error otherwise.
type Checker struct {
	// Name keys the check in the JSON response, e.g. "archive" or
	// "speech:piper".
	Name string

	// Check probes the dependency and must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for both endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the two probe endpoints. The checker list is fixed at
// construction, which makes the handler safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that runs the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every registered [Checker] under a [checkTimeout] deadline and
// returns 200 only when all of them pass. Checks run even after the first
// failure so the response names every broken dependency, not just the first.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	failed := 0

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			failed++
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed > 0 {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
