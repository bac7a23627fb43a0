package acceptance

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
)

var defaultTripBody = map[string]interface{}{
	"start":        map[string]float64{"lat": 10.7700, "lng": 106.6900},
	"to":           map[string]float64{"lat": 10.8000, "lng": 106.7000},
	"startAddress": "Pickup St 1",
	"toAddress":    "Dropoff Ave 2",
}

func TestTripFullLifecycle(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	custID := ts.CreateTestCustomer(t, "cust-1")
	ts.CreateTestDriver(t, "drv-1", 10.7705, 106.6905)

	w := ts.POST("/trips", defaultTripBody, asCustomer("cust-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	resp := decodeTrip(t, w)
	if resp["status"] != "AVAILABLE" {
		t.Errorf("expected new trip to be AVAILABLE, got %v", resp["status"])
	}
	if resp["price"] != float64(49000) {
		t.Errorf("expected price 49000 for 5km, got %v", resp["price"])
	}
	if resp["driverEarn"] != float64(36750) {
		t.Errorf("expected driverEarn 36750, got %v", resp["driverEarn"])
	}
	tripID := uuid.MustParse(resp["id"].(string))

	// Dispatch picks up the created event and offers the trip.
	ts.WaitForTripStatus(t, tripID, "PENDING")

	actions := []struct {
		action string
		status string
	}{
		{"accept", "ON_THE_WAY"},
		{"reach_start", "WAITING_FOR_CUSTOMER"},
		{"begin_trip", "DRIVING"},
		{"reach_to", "FINISHED"},
	}
	for _, step := range actions {
		body := map[string]interface{}{"action": step.action, "coords": []float64{10.77, 106.69}}
		w := ts.POST("/trips/"+tripID.String()+"/driver-action", body, asDriver("drv-1"))
		if w.Code != http.StatusOK {
			t.Fatalf("action %s: expected status %d, got %d: %s", step.action, http.StatusOK, w.Code, w.Body.String())
		}
		if got := ts.TripStatus(t, tripID); got != step.status {
			t.Fatalf("after %s: expected trip status %s, got %s", step.action, step.status, got)
		}
	}

	// Driver goes offline after finishing, customer is freed.
	var driverStatus string
	if err := ts.DB.Get(&driverStatus, `SELECT status FROM drivers WHERE auth_id = 'drv-1'`); err != nil {
		t.Fatalf("failed to read driver status: %v", err)
	}
	if driverStatus != "OFFLINE" {
		t.Errorf("expected driver OFFLINE after finish, got %s", driverStatus)
	}
	var customerStatus string
	if err := ts.DB.Get(&customerStatus, `SELECT status FROM customers WHERE id = $1`, custID); err != nil {
		t.Fatalf("failed to read customer status: %v", err)
	}
	if customerStatus != "AVAILABLE" {
		t.Errorf("expected customer AVAILABLE after finish, got %s", customerStatus)
	}
}

func TestRateFinishedTripOnce(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	ts.CreateTestCustomer(t, "cust-1")
	ts.CreateTestDriver(t, "drv-1", 10.7705, 106.6905)

	w := ts.POST("/trips", defaultTripBody, asCustomer("cust-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	tripID := uuid.MustParse(decodeTrip(t, w)["id"].(string))
	ts.WaitForTripStatus(t, tripID, "PENDING")

	for _, action := range []string{"accept", "reach_start", "begin_trip", "reach_to"} {
		w := ts.POST("/trips/"+tripID.String()+"/driver-action",
			map[string]interface{}{"action": action}, asDriver("drv-1"))
		if w.Code != http.StatusOK {
			t.Fatalf("action %s failed: %d: %s", action, w.Code, w.Body.String())
		}
	}

	rating := map[string]interface{}{"rating": 5, "comment": "great driver"}
	w = ts.POST("/trips/"+tripID.String()+"/rating", rating, asCustomer("cust-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	// A second rating conflicts.
	w = ts.POST("/trips/"+tripID.String()+"/rating", rating, asCustomer("cust-1"))
	if w.Code != http.StatusConflict {
		t.Errorf("expected status %d for second rating, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}

	// So does cancelling a finished trip.
	w = ts.POST("/trips/"+tripID.String()+"/cancel", nil, asCustomer("cust-1"))
	if w.Code != http.StatusConflict {
		t.Errorf("expected status %d for cancel of finished trip, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
}

func TestCreateTripWhileBusy(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	custID := ts.CreateTestCustomer(t, "cust-1")
	ts.SetCustomerStatus(t, custID, "BUSY")

	w := ts.POST("/trips", defaultTripBody, asCustomer("cust-1"))
	if w.Code != http.StatusConflict {
		t.Errorf("expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
}

func TestEstimate(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	ts.CreateTestCustomer(t, "cust-1")

	w := ts.POST("/trips/estimate", defaultTripBody, asCustomer("cust-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	resp := decodeTrip(t, w)
	if resp["price"] != float64(49000) {
		t.Errorf("expected price 49000, got %v", resp["price"])
	}
	if resp["distanceM"] != float64(5000) {
		t.Errorf("expected distanceM 5000, got %v", resp["distanceM"])
	}
}

func TestOperatorWalkInTrip(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	body := map[string]interface{}{
		"start":               map[string]float64{"lat": 10.77, "lng": 106.69},
		"to":                  map[string]float64{"lat": 10.80, "lng": 106.70},
		"outsideCustomerName": "Walk In Customer",
	}
	w := ts.POST("/trips", body, asOperator("op-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	resp := decodeTrip(t, w)
	if resp["customerId"] != nil {
		t.Errorf("expected walk-in trip to have no customer, got %v", resp["customerId"])
	}
	if resp["outsideCustomerName"] != "Walk In Customer" {
		t.Errorf("expected outside customer name, got %v", resp["outsideCustomerName"])
	}

	w = ts.GET("/trips?search=walk+in", asOperator("op-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	list := decodeTrip(t, w)
	trips := list["trips"].([]interface{})
	if len(trips) != 1 {
		t.Errorf("expected 1 trip in operator list, got %d", len(trips))
	}
	if list["hasNextPage"] != false {
		t.Errorf("expected hasNextPage false, got %v", list["hasNextPage"])
	}
}

func TestOperatorListForbiddenForCustomer(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	ts.CreateTestCustomer(t, "cust-1")

	w := ts.GET("/trips", asCustomer("cust-1"))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d: %s", http.StatusForbidden, w.Code, w.Body.String())
	}
}

func TestCreateTripRequires401WithoutAuth(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	w := ts.POST("/trips", defaultTripBody, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestCustomerAutoProvisioning(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	// No customer row exists for this subject yet; the first call creates it.
	w := ts.GET("/trips/current", asCustomer("auth0|new-user"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d (no current trip), got %d: %s", http.StatusNotFound, w.Code, w.Body.String())
	}

	var count int
	if err := ts.DB.Get(&count, `SELECT count(*) FROM customers WHERE auth0_id = 'auth0|new-user'`); err != nil {
		t.Fatalf("failed to count customers: %v", err)
	}
	if count != 1 {
		t.Errorf("expected auto-provisioned customer row, got %d rows", count)
	}

	// The provisioned row can be filled in from the app.
	w = ts.POST("/customers/me",
		map[string]interface{}{"name": "New User", "email": "new@example.com"},
		asCustomer("auth0|new-user"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var name string
	if err := ts.DB.Get(&name, `SELECT name FROM customers WHERE auth0_id = 'auth0|new-user'`); err != nil {
		t.Fatalf("failed to read customer name: %v", err)
	}
	if name != "New User" {
		t.Errorf("expected updated name, got %q", name)
	}
}
