package http

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"dispatchBack/internal/logistics/lifecycle"
	"dispatchBack/internal/logistics/repo"
)

// CreateRequest handles POST /api/v1/requests.
func (s *Server) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleCustomer)
	if !ok {
		return
	}
	var req createRequestInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	created, err := s.requests.Create(ctx, lifecycle.CreateInput{
		CustomerID:  actor.ID,
		Kind:        strings.TrimSpace(req.Kind),
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		Stops:       req.Stops,
		VehicleType: strings.TrimSpace(req.VehicleType),
		Fare:        req.Fare,
		ScheduledAt: req.ScheduledAt,
		Raining:     req.Raining,
		Discount:    req.Discount,
		Parcel:      req.Parcel,
	})
	if err != nil {
		s.writeServiceError(w, "create request", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"request": toRequestResponse(created.Request),
		"otp":     created.OTP,
	})
}

// ListRequests handles GET /api/v1/requests.
func (s *Server) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r)
	if !ok {
		return
	}
	limit, offset, err := parsePaging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	list, err := s.requests.List(ctx, actor, repo.ListFilter{
		Status: r.URL.Query().Get("status"),
		Kind:   r.URL.Query().Get("kind"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeServiceError(w, "list requests", err)
		return
	}
	out := make([]requestResponse, 0, len(list))
	for _, req := range list {
		out = append(out, toRequestResponse(req))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": out, "limit": limit, "offset": offset})
}

// GetRequest handles GET /api/v1/requests/:id.
func (s *Server) GetRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	view, err := s.requests.Status(ctx, pathID(r), actor)
	if err != nil {
		s.writeServiceError(w, "request status", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(view))
}

// AcceptRequest handles POST /api/v1/requests/:id/accept.
func (s *Server) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	req, err := s.requests.Accept(ctx, pathID(r), actor.ID)
	if err != nil {
		s.writeServiceError(w, "accept request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// RejectRequest handles POST /api/v1/requests/:id/reject.
func (s *Server) RejectRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	if err := s.requests.Reject(ctx, pathID(r), actor.ID); err != nil {
		s.writeServiceError(w, "reject request", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// ArriveRequest handles POST /api/v1/requests/:id/arrive.
func (s *Server) ArriveRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	req, err := s.requests.Arrive(ctx, pathID(r), actor.ID)
	if err != nil {
		s.writeServiceError(w, "arrive", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// StartRequest handles POST /api/v1/requests/:id/start.
func (s *Server) StartRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		OTP string `json:"otp"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	req, err := s.requests.Start(ctx, pathID(r), actor.ID, strings.TrimSpace(body.OTP))
	if err != nil {
		s.writeServiceError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// CompleteRequest handles POST /api/v1/requests/:id/complete.
func (s *Server) CompleteRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		MoneyCollected decimal.Decimal `json:"money_collected"`
		Mode           string          `json:"mode"`
		OTP            string          `json:"otp"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	done, err := s.requests.Complete(ctx, lifecycle.CompleteInput{
		ID:       pathID(r),
		DriverID: actor.ID,
		Amount:   body.MoneyCollected,
		Mode:     strings.TrimSpace(body.Mode),
		OTP:      strings.TrimSpace(body.OTP),
	})
	if err != nil {
		s.writeServiceError(w, "complete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request": toRequestResponse(done.Request),
		"plan": map[string]interface{}{
			"outcome":   done.Decision.Outcome,
			"earned":    done.Decision.Earned,
			"remaining": done.Decision.Remaining,
			"message":   done.Decision.Message(),
		},
	})
}

// CancelRequest handles POST /api/v1/requests/:id/cancel.
func (s *Server) CancelRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleCustomer, lifecycle.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	req, err := s.requests.Cancel(ctx, lifecycle.CancelInput{ID: pathID(r), By: actor, Reason: strings.TrimSpace(body.Reason)})
	if err != nil {
		s.writeServiceError(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// DeleteRequest handles DELETE /api/v1/admin/requests/:id.
func (s *Server) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r, lifecycle.RoleAdmin)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	if err := s.requests.Delete(ctx, pathID(r), actor); err != nil {
		s.writeServiceError(w, "delete request", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
