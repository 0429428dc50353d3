package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dispatchBack/internal/logistics/lifecycle"
)

const requestTimeout = 5 * time.Second

func parsePaging(r *http.Request) (int, int, error) {
	limit := 20
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l <= 0 {
			return 0, 0, fmt.Errorf("invalid limit")
		}
		limit = l
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		o, err := strconv.Atoi(v)
		if err != nil || o < 0 {
			return 0, 0, fmt.Errorf("invalid offset")
		}
		offset = o
	}
	return limit, offset, nil
}

func parseFloatQuery(r *http.Request, name string) (float64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return f, nil
}

// pathID reads the :id route parameter set by pat.
func pathID(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get(":id"))
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid json")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

// caller returns the authenticated actor, answering 401 or 403 itself when the
// caller is missing or holds none of roles.
func caller(w http.ResponseWriter, r *http.Request, roles ...string) (lifecycle.Actor, bool) {
	a, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return a, false
	}
	if len(roles) == 0 || a.Role == lifecycle.RoleAdmin {
		return a, true
	}
	for _, role := range roles {
		if a.Role == role {
			return a, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden for role "+a.Role)
	return a, false
}

// writeServiceError maps the lifecycle error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	var conflict *lifecycle.ConflictError
	switch {
	case errors.As(err, &conflict):
		body := map[string]interface{}{"error": conflict.Error()}
		if conflict.Current != nil {
			body["status"] = conflict.Current.Status
			body["request"] = toRequestResponse(*conflict.Current)
		}
		writeJSON(w, http.StatusConflict, body)
	case errors.Is(err, lifecycle.ErrValidation),
		errors.Is(err, lifecycle.ErrOTPIncorrect),
		errors.Is(err, lifecycle.ErrOTPExpired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrNotAssignedDriver),
		errors.Is(err, lifecycle.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrAlreadyAssigned),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrAlreadyFinalized),
		errors.Is(err, lifecycle.ErrDriverUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout")
	default:
		s.logger.Errorf("logistics: %s failed: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
