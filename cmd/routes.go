package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatchBack/internal/logistics/lifecycle"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, instrument, secureHeaders, makeResponseJSON)
	anyAuth := standardMiddleware.Append(app.JWTMiddlewareWithRole())
	customerAuth := standardMiddleware.Append(app.JWTMiddlewareWithRole(lifecycle.RoleCustomer))
	driverAuth := standardMiddleware.Append(app.JWTMiddlewareWithRole(lifecycle.RoleDriver))
	partyAuth := standardMiddleware.Append(app.JWTMiddlewareWithRole(lifecycle.RoleCustomer, lifecycle.RoleDriver))
	adminAuth := standardMiddleware.Append(app.JWTMiddlewareWithRole(lifecycle.RoleAdmin))

	s := app.engine.Server
	mux := pat.New()

	// Requests
	mux.Post("/api/v1/requests", customerAuth.ThenFunc(s.CreateRequest))
	mux.Get("/api/v1/requests", partyAuth.ThenFunc(s.ListRequests))
	mux.Get("/api/v1/requests/:id", anyAuth.ThenFunc(s.GetRequest))
	mux.Post("/api/v1/requests/:id/accept", driverAuth.ThenFunc(s.AcceptRequest))
	mux.Post("/api/v1/requests/:id/reject", driverAuth.ThenFunc(s.RejectRequest))
	mux.Post("/api/v1/requests/:id/arrive", driverAuth.ThenFunc(s.ArriveRequest))
	mux.Post("/api/v1/requests/:id/start", driverAuth.ThenFunc(s.StartRequest))
	mux.Post("/api/v1/requests/:id/complete", driverAuth.ThenFunc(s.CompleteRequest))
	mux.Post("/api/v1/requests/:id/cancel", partyAuth.ThenFunc(s.CancelRequest))

	// Drivers
	mux.Post("/api/v1/drivers/location", driverAuth.ThenFunc(s.UpdateLocation))
	mux.Post("/api/v1/drivers/availability", driverAuth.ThenFunc(s.SetAvailability))
	mux.Post("/api/v1/drivers/recharge", driverAuth.ThenFunc(s.Recharge))
	mux.Get("/api/v1/drivers/plan", driverAuth.ThenFunc(s.Plan))
	mux.Get("/api/v1/drivers/nearby", customerAuth.ThenFunc(s.Nearby))

	// Admin
	mux.Del("/api/v1/admin/requests/:id", adminAuth.ThenFunc(s.DeleteRequest))

	// Channels
	mux.Get("/ws/driver", alice.New(app.recoverPanic, app.logRequest).Then(app.engine.DriverHub))
	mux.Get("/ws/customer", alice.New(app.recoverPanic, app.logRequest).Then(app.engine.CustomerHub))

	mux.Get("/metrics", promhttp.Handler())

	return mux
}
