package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	logisticshttp "dispatchBack/internal/logistics/http"
	"dispatchBack/internal/logistics/lifecycle"
	"dispatchBack/internal/logistics/metrics"
)

type claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("X-Frame-Options", "deny")
		next.ServeHTTP(w, r)
	})
}

func makeResponseJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (app *application) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.infoLog.Printf("%s - %s %s %s", r.RemoteAddr, r.Proto, r.Method, r.URL.RequestURI())
		next.ServeHTTP(w, r)
	})
}

func (app *application) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				w.Header().Set("Connection", "close")
				app.serverError(w, fmt.Errorf("%s", err))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (app *application) serverError(w http.ResponseWriter, err error) {
	_ = app.errorLog.Output(2, err.Error())
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, status).Observe(time.Since(start).Seconds())
	})
}

func (app *application) JWTMiddlewareWithRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return app.JWTMiddleware(next, roles...)
	}
}

// JWTMiddleware authenticates the bearer token and stores the caller in the request
// context. Admins pass every role check.
func (app *application) JWTMiddleware(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			http.Error(w, "Authorization header missing or invalid", http.StatusUnauthorized)
			return
		}
		c, err := app.parseToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		if !roleAllowed(c.Role, roles) {
			http.Error(w, "Forbidden for role "+c.Role, http.StatusForbidden)
			return
		}
		ctx := logisticshttp.WithActor(r.Context(), lifecycle.Actor{Role: c.Role, ID: c.UserID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (app *application) parseToken(raw string) (*claims, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(raw, c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return app.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || c.UserID <= 0 {
		return nil, fmt.Errorf("invalid token")
	}
	return c, nil
}

// wsIdentity authenticates websocket upgrades. Browsers cannot set headers on the
// upgrade request, so the token may also come in the "token" query parameter.
func (app *application) wsIdentity(role string) func(r *http.Request) (int64, error) {
	return func(r *http.Request) (int64, error) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			return 0, fmt.Errorf("missing token")
		}
		c, err := app.parseToken(raw)
		if err != nil {
			return 0, err
		}
		if c.Role != role {
			return 0, fmt.Errorf("role %s cannot open %s channel", c.Role, role)
		}
		return c.UserID, nil
	}
}

func roleAllowed(role string, roles []string) bool {
	if len(roles) == 0 || role == lifecycle.RoleAdmin {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
