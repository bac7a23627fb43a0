package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/openride/trips-backend/api"
	"github.com/openride/trips-backend/customer"
	"github.com/openride/trips-backend/dispatch"
	"github.com/openride/trips-backend/driver"
	"github.com/openride/trips-backend/eventbus"
	"github.com/openride/trips-backend/geo"
	"github.com/openride/trips-backend/internal/auth0"
	"github.com/openride/trips-backend/internal/middleware"
	"github.com/openride/trips-backend/mapapi"
	"github.com/openride/trips-backend/migrations"
	"github.com/openride/trips-backend/trip"
)

type TestServer struct {
	DB     *sqlx.DB
	Router *gin.Engine
	Bus    *eventbus.Memory

	TripRepo   *trip.Repository
	DriverRepo *driver.Repository
	Lifecycle  *trip.Lifecycle

	cancelDispatch context.CancelFunc
}

// fakeMaps answers every distance query with a fixed 5km / 12min leg, which
// prices to 49000 under the default fare schedule.
type fakeMaps struct{}

func (fakeMaps) DistanceMatrix(_ context.Context, _, _ mapapi.LatLng) (mapapi.MatrixElement, error) {
	return mapapi.MatrixElement{
		Status:   "OK",
		Distance: mapapi.TextValue{Text: "5.0 km", Value: 5000},
		Duration: mapapi.TextValue{Text: "12 mins", Value: 720},
	}, nil
}

func (fakeMaps) Directions(_ context.Context, start, end mapapi.LatLng) (mapapi.Directions, error) {
	return mapapi.Directions{
		Status: "OK",
		Routes: []mapapi.Route{{
			Summary:          "Test Route",
			Legs:             []mapapi.Leg{{Distance: mapapi.TextValue{Value: 5000}, Duration: mapapi.TextValue{Value: 720}}},
			OverviewPolyline: mapapi.Polyline{Points: "fake"},
		}},
	}, nil
}

func (fakeMaps) FindLocation(_ context.Context, query string) (mapapi.Location, error) {
	return mapapi.Location{
		Places: []mapapi.Place{{
			Name:     query,
			Geometry: mapapi.Geometry{Location: mapapi.LatLng{Lat: 10.77, Lng: 106.69}},
		}},
	}, nil
}

func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	gin.SetMode(gin.TestMode)

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping acceptance tests")
	}

	if err := migrations.Up(dbURL); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	db, err := sqlx.Connect("pgx", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	cleanupTestData(t, db)

	tr := trip.NewRepository(db)
	dr := driver.NewRepository(db, nil)
	cr := customer.NewRepository(db)

	bus := eventbus.NewMemory()
	lifecycle := trip.NewLifecycle(db, tr, dr, cr, fakeMaps{}, bus, trip.DefaultPriceConfig())

	a := api.NewWithIdentity(tr, lifecycle, dr, cr, fakeMaps{}, geo.NewIndex(),
		auth0.NewFakeClient(), fakeIdentityMiddleware())

	dispatchCtx, cancel := context.WithCancel(context.Background())
	coordinator := dispatch.NewCoordinator(tr, lifecycle, dr, dispatch.Config{RadiusM: 10000}, testLogger())
	go coordinator.Run(dispatchCtx, bus)

	ts := &TestServer{
		DB:             db,
		Router:         a.Router(),
		Bus:            bus,
		TripRepo:       tr,
		DriverRepo:     dr,
		Lifecycle:      lifecycle,
		cancelDispatch: cancel,
	}
	return ts
}

func (ts *TestServer) Close() {
	ts.cancelDispatch()
	ts.DB.Close()
}

func cleanupTestData(t *testing.T, db *sqlx.DB) {
	t.Helper()

	for _, table := range []string{"trip_logs", "trips", "drivers", "customers"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			t.Logf("warning: failed to clean %s: %v", table, err)
		}
	}
}

// fakeIdentityMiddleware reads X-User-ID and X-Roles headers instead of
// validating a JWT.
func fakeIdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		var roles []string
		if h := c.GetHeader("X-Roles"); h != "" {
			roles = strings.Split(h, ",")
		}
		middleware.SetFakeIdentity(c, userID, roles)
		c.Next()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func (ts *TestServer) GET(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

func (ts *TestServer) POST(path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

func asCustomer(userID string) map[string]string {
	return map[string]string{"X-User-ID": userID}
}

func asDriver(userID string) map[string]string {
	return map[string]string{"X-User-ID": userID, "X-Roles": "driver"}
}

func asOperator(userID string) map[string]string {
	return map[string]string{"X-User-ID": userID, "X-Roles": "operator"}
}

// CreateTestDriver inserts an AVAILABLE driver near the default pickup.
func (ts *TestServer) CreateTestDriver(t *testing.T, authID string, lat, lng float64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := ts.DB.Exec(`
		INSERT INTO drivers (id, auth_id, name, status, location, location_updated_at)
		VALUES ($1, $2, $3, 'AVAILABLE', point($4, $5), now())
	`, id, authID, "Driver "+authID, lat, lng)
	if err != nil {
		t.Fatalf("failed to create test driver: %v", err)
	}
	return id
}

func (ts *TestServer) CreateTestCustomer(t *testing.T, authID string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := ts.DB.Exec(`
		INSERT INTO customers (id, auth0_id, status) VALUES ($1, $2, 'AVAILABLE')
	`, id, authID)
	if err != nil {
		t.Fatalf("failed to create test customer: %v", err)
	}
	return id
}

func (ts *TestServer) SetCustomerStatus(t *testing.T, id uuid.UUID, status string) {
	t.Helper()
	if _, err := ts.DB.Exec(`UPDATE customers SET status = $1 WHERE id = $2`, status, id); err != nil {
		t.Fatalf("failed to set customer status: %v", err)
	}
}

func (ts *TestServer) TripStatus(t *testing.T, id uuid.UUID) string {
	t.Helper()
	var status string
	if err := ts.DB.Get(&status, `SELECT status FROM trips WHERE id = $1`, id); err != nil {
		t.Fatalf("failed to read trip status: %v", err)
	}
	return status
}

func (ts *TestServer) TripDriver(t *testing.T, id uuid.UUID) *uuid.UUID {
	t.Helper()
	var driverID *uuid.UUID
	if err := ts.DB.Get(&driverID, `SELECT driver_id FROM trips WHERE id = $1`, id); err != nil {
		t.Fatalf("failed to read trip driver: %v", err)
	}
	return driverID
}

// WaitForTripStatus polls until dispatch settles the trip into the wanted
// status.
func (ts *TestServer) WaitForTripStatus(t *testing.T, id uuid.UUID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts.TripStatus(t, id) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	var tr trip.Trip
	if err := ts.DB.Get(&tr, `SELECT * FROM trips WHERE id = $1`, id); err == nil {
		t.Logf("trip state: %s", spew.Sdump(tr))
	}
	t.Fatalf("trip %s never reached status %s (now %s)", id, want, ts.TripStatus(t, id))
}

func decodeTrip(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v: %s", err, w.Body.String())
	}
	return resp
}
