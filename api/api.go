// Package api exposes the HTTP surface for customers, drivers and the
// back office.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openride/trips-backend/customer"
	"github.com/openride/trips-backend/driver"
	"github.com/openride/trips-backend/geo"
	"github.com/openride/trips-backend/internal/auth0"
	"github.com/openride/trips-backend/internal/middleware"
	"github.com/openride/trips-backend/internal/o11y"
	"github.com/openride/trips-backend/mapapi"
	"github.com/openride/trips-backend/trip"
)

type API struct {
	r         *gin.Engine
	trips     *trip.Repository
	lifecycle *trip.Lifecycle
	drivers   *driver.Repository
	customers *customer.Repository
	maps      mapapi.Gateway
	geo       *geo.Index
	auth0     auth0.Client
}

type Config struct {
	Auth0Domain     string
	Audience        string
	MetricsUsername string
	MetricsPassword string
}

func New(trips *trip.Repository, lifecycle *trip.Lifecycle, drivers *driver.Repository,
	customers *customer.Repository, maps mapapi.Gateway, geoIndex *geo.Index,
	auth0Client auth0.Client, obs *o11y.Observability, cfg Config) (*API, error) {
	a := &API{
		r:         gin.New(),
		trips:     trips,
		lifecycle: lifecycle,
		drivers:   drivers,
		customers: customers,
		maps:      maps,
		geo:       geoIndex,
		auth0:     auth0Client,
	}

	a.r.Use(gin.Recovery())
	a.r.Use(middleware.Tracing())
	a.r.Use(middleware.Logging(obs.Logger))
	a.r.Use(middleware.Metrics(obs.Registry))

	a.r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	metrics := a.r.Group("/metrics")
	if cfg.MetricsUsername != "" {
		metrics.Use(gin.BasicAuth(gin.Accounts{cfg.MetricsUsername: cfg.MetricsPassword}))
	}
	metrics.GET("", gin.WrapH(promhttp.HandlerFor(obs.Registry, promhttp.HandlerOpts{})))

	authMW, err := middleware.Auth(cfg.Auth0Domain, cfg.Audience)
	if err != nil {
		return nil, err
	}

	authed := a.r.Group("/")
	authed.Use(authMW, middleware.Identity())
	a.routes(authed)

	return a, nil
}

// routes registers everything behind authentication. The acceptance tests
// call this with a fake identity middleware in front.
func (a *API) routes(g *gin.RouterGroup) {
	g.POST("/trips", a.createTrip)
	g.POST("/trips/estimate", a.estimateTrip)
	g.GET("/trips/current", a.currentTrip)
	g.GET("/trips/search-location", a.searchLocation)
	g.GET("/trips/:id", a.getTrip)
	g.POST("/trips/:id/cancel", a.cancelTrip)
	g.POST("/trips/:id/rating", a.rateTrip)
	g.GET("/trips/:id/current-driver-route", a.currentDriverRoute)

	g.POST("/trips/:id/driver-action", middleware.RequireRole(middleware.RoleDriver), a.driverAction)
	g.POST("/trips/:id/directions", middleware.RequireRole(middleware.RoleDriver), a.recomputeRoute)

	g.GET("/trips", middleware.RequireRole(middleware.RoleOperator), a.listTrips)
	g.GET("/trips/:id/logs", middleware.RequireRole(middleware.RoleOperator), a.tripLogs)

	g.GET("/drivers/nearby", a.nearbyDrivers)
	g.POST("/drivers/location", middleware.RequireRole(middleware.RoleDriver), a.updateDriverLocation)
	g.GET("/drivers/me/history", middleware.RequireRole(middleware.RoleDriver), a.driverHistory)
	g.GET("/drivers/me/earnings", middleware.RequireRole(middleware.RoleDriver), a.driverEarnings)

	g.POST("/customers/location", a.updateCustomerLocation)
	g.POST("/customers/me", a.updateCustomerProfile)
	g.GET("/customers/me/history", a.customerHistory)
	g.POST("/customers/session", a.createCustomerSession)
	g.POST("/customers/setup-intent", a.createSetupIntent)
}

func (a *API) Router() *gin.Engine {
	return a.r
}

// NewWithIdentity mounts the handlers behind the given identity middleware
// instead of JWT validation. Used by the acceptance tests.
func NewWithIdentity(trips *trip.Repository, lifecycle *trip.Lifecycle, drivers *driver.Repository,
	customers *customer.Repository, maps mapapi.Gateway, geoIndex *geo.Index,
	auth0Client auth0.Client, identity gin.HandlerFunc) *API {
	a := &API{
		r:         gin.New(),
		trips:     trips,
		lifecycle: lifecycle,
		drivers:   drivers,
		customers: customers,
		maps:      maps,
		geo:       geoIndex,
		auth0:     auth0Client,
	}
	a.r.Use(gin.Recovery())

	authed := a.r.Group("/")
	authed.Use(identity)
	a.routes(authed)
	return a
}

func respondError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, trip.ErrNotFound),
		errors.Is(err, driver.ErrNotFound),
		errors.Is(err, customer.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, trip.ErrPrecondition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, mapapi.ErrNoRoute):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, mapapi.ErrUnavailable):
		logger.Error("map provider unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "map provider unavailable"})
	default:
		logger.Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// currentCustomer resolves the caller to a customer row, provisioning one
// on first sight using the identity provider's profile.
func (a *API) currentCustomer(c *gin.Context) (*customer.Customer, error) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return nil, customer.ErrNotFound
	}

	cust, err := a.customers.GetByAuth0ID(c.Request.Context(), userID)
	if err == nil {
		return cust, nil
	}
	if !errors.Is(err, customer.ErrNotFound) {
		return nil, err
	}

	var email, name string
	if token := bearerToken(c); token != "" && a.auth0 != nil {
		if info, err := a.auth0.GetUserInfo(c.Request.Context(), token); err == nil {
			email, name = info.Email, info.Name
		}
	}
	return a.customers.Create(c.Request.Context(), userID, email, name)
}

func (a *API) currentDriver(c *gin.Context) (driver.Driver, error) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return driver.Driver{}, driver.ErrNotFound
	}
	return a.drivers.GetByAuthID(c.Request.Context(), userID)
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
