package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openride/trips-backend/internal/middleware"
)

type locationRequest struct {
	Lat float64 `json:"lat" binding:"min=-90,max=90"`
	Lng float64 `json:"lng" binding:"min=-180,max=180"`
}

// updateDriverLocation persists the position and refreshes the live map
// index. Pushing a location also brings an OFFLINE driver back online.
func (a *API) updateDriverLocation(c *gin.Context) {
	logger := middleware.GetLogger(c)

	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := a.currentDriver(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	if err := a.drivers.UpdateLocation(c.Request.Context(), d.ID, req.Lat, req.Lng); err != nil {
		respondError(c, logger, err)
		return
	}
	a.geo.Upsert(d.ID, req.Lat, req.Lng)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type nearbyDriverResponse struct {
	ID   uuid.UUID `json:"id"`
	Lat  float64   `json:"lat"`
	Lng  float64   `json:"lng"`
	Cell string    `json:"cell"`
}

// nearbyDrivers serves the customer map from the in-memory index.
func (a *API) nearbyDrivers(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid lat/lng"})
		return
	}
	radius, err := strconv.ParseFloat(c.DefaultQuery("radius", "10000"), 64)
	if err != nil || radius <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid radius"})
		return
	}

	entries := a.geo.Nearby(lat, lng, radius, 50)
	resp := make([]nearbyDriverResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, nearbyDriverResponse{ID: e.ID, Lat: e.Lat, Lng: e.Lng, Cell: e.Cell})
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) driverHistory(c *gin.Context) {
	logger := middleware.GetLogger(c)

	d, err := a.currentDriver(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	trips, err := a.trips.HistoryForDriver(c.Request.Context(), d.ID)
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

func (a *API) driverEarnings(c *gin.Context) {
	logger := middleware.GetLogger(c)

	d, err := a.currentDriver(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	since := time.Now().AddDate(0, 0, -7)
	if s := c.Query("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	earnings, err := a.trips.EarningsForDriver(c.Request.Context(), d.ID, since)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trips":     earnings.Trips,
		"distanceM": earnings.DistanceM,
		"total":     earnings.Total,
		"since":     since,
	})
}
