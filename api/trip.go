package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/invoice"

	"github.com/openride/trips-backend/internal/middleware"
	"github.com/openride/trips-backend/mapapi"
	"github.com/openride/trips-backend/trip"
)

type latLng struct {
	Lat float64 `json:"lat" binding:"min=-90,max=90"`
	Lng float64 `json:"lng" binding:"min=-180,max=180"`
}

type tripRequest struct {
	Start        latLng `json:"start" binding:"required"`
	To           latLng `json:"to" binding:"required"`
	StartAddress string `json:"startAddress"`
	ToAddress    string `json:"toAddress"`

	// Walk-in fields, only honoured for operator tokens.
	OutsideCustomerName  string `json:"outsideCustomerName"`
	OutsideCustomerPhone string `json:"outsideCustomerPhone"`
}

type tripResponse struct {
	ID     uuid.UUID   `json:"id"`
	Status trip.Status `json:"status"`

	CustomerID *uuid.UUID `json:"customerId,omitempty"`
	DriverID   *uuid.UUID `json:"driverId,omitempty"`

	OperatorID           string `json:"operatorId,omitempty"`
	OutsideCustomerName  string `json:"outsideCustomerName,omitempty"`
	OutsideCustomerPhone string `json:"outsideCustomerPhone,omitempty"`

	Start        latLng `json:"start"`
	To           latLng `json:"to"`
	StartAddress string `json:"startAddress,omitempty"`
	ToAddress    string `json:"toAddress,omitempty"`

	DistanceM         int `json:"distanceM"`
	EstimatedDuration int `json:"estimatedDuration"`

	Price      float64 `json:"price"`
	DriverEarn float64 `json:"driverEarn"`

	Rating        *int   `json:"rating,omitempty"`
	RatingComment string `json:"ratingComment,omitempty"`

	StartAt   *time.Time `json:"startAt,omitempty"`
	EndAt     *time.Time `json:"endAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func toTripResponse(t trip.Trip) tripResponse {
	resp := tripResponse{
		ID:                   t.ID,
		Status:               t.Status,
		OperatorID:           t.OperatorID.String,
		OutsideCustomerName:  t.OutsideCustomerName.String,
		OutsideCustomerPhone: t.OutsideCustomerPhone.String,
		Start:                latLng{Lat: t.StartLocation.P.X, Lng: t.StartLocation.P.Y},
		To:                   latLng{Lat: t.ToLocation.P.X, Lng: t.ToLocation.P.Y},
		StartAddress:         t.StartAddress.String,
		ToAddress:            t.ToAddress.String,
		DistanceM:            t.DistanceM,
		EstimatedDuration:    t.EstimatedDuration,
		Price:                t.PricePaid,
		DriverEarn:           t.DriverEarn,
		RatingComment:        t.RatingComment.String,
		CreatedAt:            t.CreatedAt,
	}
	if t.CustomerID.Valid {
		resp.CustomerID = &t.CustomerID.UUID
	}
	if t.DriverID.Valid {
		resp.DriverID = &t.DriverID.UUID
	}
	if t.Rating.Valid {
		rating := int(t.Rating.Int64)
		resp.Rating = &rating
	}
	if t.StartAt.Valid {
		resp.StartAt = &t.StartAt.Time
	}
	if t.EndAt.Valid {
		resp.EndAt = &t.EndAt.Time
	}
	return resp
}

func (a *API) createTrip(c *gin.Context) {
	logger := middleware.GetLogger(c)

	var req tripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := trip.CreateParams{
		Start:        mapapi.LatLng(req.Start),
		To:           mapapi.LatLng(req.To),
		StartAddress: req.StartAddress,
		ToAddress:    req.ToAddress,
	}

	if middleware.HasRole(c, middleware.RoleOperator) && req.OutsideCustomerName != "" {
		operatorID, _ := middleware.GetUserID(c)
		params.OperatorID = operatorID
		params.OutsideCustomerName = req.OutsideCustomerName
		params.OutsideCustomerPhone = req.OutsideCustomerPhone
	} else {
		cust, err := a.currentCustomer(c)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		params.CustomerID = uuid.NullUUID{UUID: cust.ID, Valid: true}
	}

	t, err := a.lifecycle.Create(c.Request.Context(), params)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, toTripResponse(t))
}

func (a *API) estimateTrip(c *gin.Context) {
	logger := middleware.GetLogger(c)

	var req tripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	est, err := a.lifecycle.Quote(c.Request.Context(), mapapi.LatLng(req.Start), mapapi.LatLng(req.To))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, est)
}

func (a *API) currentTrip(c *gin.Context) {
	logger := middleware.GetLogger(c)

	if middleware.HasRole(c, middleware.RoleDriver) {
		d, err := a.currentDriver(c)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		t, err := a.trips.CurrentForDriver(c.Request.Context(), d.ID)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, toTripResponse(t))
		return
	}

	cust, err := a.currentCustomer(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	t, err := a.trips.CurrentForCustomer(c.Request.Context(), cust.ID)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, toTripResponse(t))
}

func (a *API) searchLocation(c *gin.Context) {
	logger := middleware.GetLogger(c)

	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}

	loc, err := a.maps.FindLocation(c.Request.Context(), query)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, loc)
}

func (a *API) getTrip(c *gin.Context) {
	logger := middleware.GetLogger(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip id"})
		return
	}

	t, err := a.trips.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	if !a.canSeeTrip(c, t) {
		c.JSON(http.StatusNotFound, gin.H{"error": trip.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, toTripResponse(t))
}

// canSeeTrip scopes trip reads: operators see everything, everyone else
// only their own trips.
func (a *API) canSeeTrip(c *gin.Context, t trip.Trip) bool {
	if middleware.HasRole(c, middleware.RoleOperator) {
		return true
	}
	if middleware.HasRole(c, middleware.RoleDriver) {
		d, err := a.currentDriver(c)
		return err == nil && t.DriverID.Valid && t.DriverID.UUID == d.ID
	}
	userID, _ := middleware.GetUserID(c)
	cust, err := a.customers.GetByAuth0ID(c.Request.Context(), userID)
	return err == nil && t.CustomerID.Valid && t.CustomerID.UUID == cust.ID
}

func (a *API) cancelTrip(c *gin.Context) {
	logger := middleware.GetLogger(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip id"})
		return
	}

	t, err := a.trips.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	if !a.canSeeTrip(c, t) {
		c.JSON(http.StatusNotFound, gin.H{"error": trip.ErrNotFound.Error()})
		return
	}

	if err := a.lifecycle.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

type ratingRequest struct {
	Rating  int    `json:"rating" binding:"required,min=1,max=5"`
	Comment string `json:"comment"`
}

func (a *API) rateTrip(c *gin.Context) {
	logger := middleware.GetLogger(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip id"})
		return
	}

	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cust, err := a.currentCustomer(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	if err := a.lifecycle.Rate(c.Request.Context(), id, cust.ID, req.Rating, req.Comment); err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rated"})
}

func (a *API) currentDriverRoute(c *gin.Context) {
	logger := middleware.GetLogger(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip id"})
		return
	}

	route, err := a.lifecycle.CurrentDriverRoute(c.Request.Context(), id)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, route)
}

type driverActionRequest struct {
	Action string      `json:"action" binding:"required"`
	Coords *[2]float64 `json:"coords"`
}

func (a *API) driverAction(c *gin.Context) {
	logger := middleware.GetLogger(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip id"})
		return
	}

	var req driverActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := a.currentDriver(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	var at *mapapi.LatLng
	if req.Coords != nil {
		at = &mapapi.LatLng{Lat: req.Coords[0], Lng: req.Coords[1]}
	}

	ctx := c.Request.Context()
	switch req.Action {
	case "accept":
		err = a.lifecycle.DriverAccept(ctx, id, d.ID, at)
	case "reject":
		err = a.lifecycle.DriverReject(ctx, id, d.ID)
	case "cancel":
		err = a.lifecycle.DriverCancel(ctx, id, d.ID)
	case "reach_start":
		err = a.lifecycle.DriverReachedStart(ctx, id, d.ID, at)
	case "begin_trip":
		err = a.lifecycle.DriverStartTrip(ctx, id, d.ID, at)
	case "reach_to":
		var t trip.Trip
		t, err = a.lifecycle.DriverReachedTo(ctx, id, d.ID, at)
		if err == nil {
			a.invoiceTrip(c, t)
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", req.Action)})
		return
	}
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// invoiceTrip bills the customer for a finished trip. Billing runs out of
// band; a failure is logged and does not undo the trip.
func (a *API) invoiceTrip(c *gin.Context, t trip.Trip) {
	logger := middleware.GetLogger(c)

	if !t.CustomerID.Valid {
		return
	}
	cust, err := a.customers.Get(c.Request.Context(), t.CustomerID.UUID)
	if err != nil || !cust.StripeID.Valid {
		return
	}

	amount := int64(t.PricePaid)
	tripID := t.ID

	go func() {
		inParams := &stripe.InvoiceParams{
			Customer: stripe.String(cust.StripeID.String),
			Metadata: map[string]string{"trip_id": tripID.String()},
		}
		in, err := invoice.New(inParams)
		if err != nil {
			logger.Error("Failed to create invoice", "error", err, "trip_id", tripID)
			return
		}

		ilParams := &stripe.InvoiceAddLinesParams{
			Lines: []*stripe.InvoiceAddLinesLineParams{
				{
					Amount:      stripe.Int64(amount),
					Description: stripe.String(fmt.Sprintf("Trip fare - %.1f km", float64(t.DistanceM)/1000)),
				},
			},
		}
		if _, err = invoice.AddLines(in.ID, ilParams); err != nil {
			logger.Error("Failed to add lines to invoice", "error", err, "trip_id", tripID)
			return
		}

		if _, err = invoice.FinalizeInvoice(in.ID, &stripe.InvoiceFinalizeInvoiceParams{}); err != nil {
			logger.Error("Failed to finalize invoice", "error", err, "trip_id", tripID)
			return
		}
		if _, err = invoice.Pay(in.ID, nil); err != nil {
			logger.Error("Failed to pay invoice", "error", err, "trip_id", tripID)
		}
	}()
}

type routeRequest struct {
	Type string `json:"type" binding:"required,oneof=on_the_way driving"`
}

func (a *API) recomputeRoute(c *gin.Context) {
	logger := middleware.GetLogger(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip id"})
		return
	}

	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := a.currentDriver(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	dirs, err := a.lifecycle.RecomputeRoute(c.Request.Context(), id, d.ID, trip.RouteKind(req.Type))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, dirs)
}

func (a *API) listTrips(c *gin.Context) {
	logger := middleware.GetLogger(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	filter := trip.ListFilter{
		Search: c.Query("search"),
		Limit:  limit,
		Offset: offset,
	}
	if c.Query("mine") == "true" {
		operatorID, _ := middleware.GetUserID(c)
		filter.OperatorID = operatorID
	}

	trips, hasNext, err := a.trips.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	resp := make([]tripResponse, 0, len(trips))
	for _, t := range trips {
		resp = append(resp, toTripResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"trips": resp, "hasNextPage": hasNext})
}

type tripLogResponse struct {
	Status    trip.LogStatus `json:"status"`
	DriverID  *uuid.UUID     `json:"driverId,omitempty"`
	Location  *latLng        `json:"location,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (a *API) tripLogs(c *gin.Context) {
	logger := middleware.GetLogger(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trip id"})
		return
	}

	logs, err := a.trips.Logs(c.Request.Context(), id)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	resp := make([]tripLogResponse, 0, len(logs))
	for _, l := range logs {
		entry := tripLogResponse{Status: l.Status, CreatedAt: l.CreatedAt}
		if l.DriverID.Valid {
			entry.DriverID = &l.DriverID.UUID
		}
		if l.Location.Valid {
			entry.Location = &latLng{Lat: l.Location.P.X, Lng: l.Location.P.Y}
		}
		resp = append(resp, entry)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) customerHistory(c *gin.Context) {
	logger := middleware.GetLogger(c)

	cust, err := a.currentCustomer(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	trips, err := a.trips.HistoryForCustomer(c.Request.Context(), cust.ID)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	resp := make([]tripResponse, 0, len(trips))
	for _, t := range trips {
		resp = append(resp, toTripResponse(t))
	}
	c.JSON(http.StatusOK, resp)
}
