package http

import (
	"net/http"
	"strconv"
	"strings"

	"dispatchBack/internal/logistics/lifecycle"
	"dispatchBack/internal/logistics/repo"
)

// UpdateLocation handles POST /api/v1/drivers/location.
func (s *Server) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	var p repo.Point
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	indexed, err := s.fleet.UpdateLocation(ctx, actor.ID, p)
	if err != nil {
		s.writeServiceError(w, "update location", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"indexed": indexed})
}

// SetAvailability handles POST /api/v1/drivers/availability.
func (s *Server) SetAvailability(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		Available *bool `json:"available"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Available == nil {
		writeError(w, http.StatusBadRequest, "available is required")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	d, err := s.fleet.SetAvailability(ctx, actor.ID, *body.Available)
	if err != nil {
		s.writeServiceError(w, "set availability", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_available": d.IsAvailable, "is_paid": d.IsPaid})
}

// Recharge handles POST /api/v1/drivers/recharge.
func (s *Server) Recharge(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		PaymentIntentID string `json:"payment_intent_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	plan, err := s.fleet.Recharge(ctx, actor.ID, strings.TrimSpace(body.PaymentIntentID))
	if err != nil {
		s.writeServiceError(w, "recharge", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanResponse(plan))
}

// Plan handles GET /api/v1/drivers/plan.
func (s *Server) Plan(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	view, err := s.fleet.Plan(ctx, actor.ID)
	if err != nil {
		s.writeServiceError(w, "check plan", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plan":    toPlanResponse(view.Plan),
		"active":  view.Active,
		"is_paid": view.IsPaid,
	})
}

// Nearby handles GET /api/v1/drivers/nearby?lat=&lon=&category=&radius=.
func (s *Server) Nearby(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r, lifecycle.RoleCustomer); !ok {
		return
	}
	lat, err := parseFloatQuery(r, "lat")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lon, err := parseFloatQuery(r, "lon")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	radius := 0
	if v := r.URL.Query().Get("radius"); v != "" {
		if radius, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid radius")
			return
		}
	}
	category := r.URL.Query().Get("category")
	if category == "" {
		category = repo.CategoryCab
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	n, err := s.fleet.Nearby(ctx, repo.Point{Lat: lat, Lon: lon}, radius, category)
	if err != nil {
		s.writeServiceError(w, "nearby", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}
