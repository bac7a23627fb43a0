package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v84"
	stripecustomer "github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/customersession"
	"github.com/stripe/stripe-go/v84/setupintent"

	"github.com/openride/trips-backend/internal/middleware"
)

func (a *API) updateCustomerLocation(c *gin.Context) {
	logger := middleware.GetLogger(c)

	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cust, err := a.currentCustomer(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	if err := a.customers.UpdateLocation(c.Request.Context(), cust.ID, req.Lat, req.Lng); err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type profileRequest struct {
	Email string `json:"email" binding:"omitempty,email"`
	Name  string `json:"name"`
}

func (a *API) updateCustomerProfile(c *gin.Context) {
	logger := middleware.GetLogger(c)

	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := a.currentCustomer(c); err != nil {
		respondError(c, logger, err)
		return
	}

	userID, _ := middleware.GetUserID(c)
	if err := a.customers.UpdateProfile(c.Request.Context(), userID, req.Email, req.Name); err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createCustomerSession sets up the payment sheet for the customer app,
// creating the stripe customer on first use.
func (a *API) createCustomerSession(c *gin.Context) {
	logger := middleware.GetLogger(c)

	cust, err := a.currentCustomer(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	userID, _ := middleware.GetUserID(c)
	if !cust.StripeID.Valid {
		stripeCustomer, err := stripecustomer.New(&stripe.CustomerParams{
			Metadata: map[string]string{
				"auth0_id": userID,
				"id":       cust.ID.String(),
			},
		})
		if err != nil {
			logger.Error("Failed to create stripe customer", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		cust.StripeID.String = stripeCustomer.ID
		cust.StripeID.Valid = true

		if err := a.customers.AddStripeID(c.Request.Context(), userID, stripeCustomer.ID); err != nil {
			logger.Error("Failed to save stripe customer ID to customer", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	csParams := &stripe.CustomerSessionParams{
		Customer: stripe.String(cust.StripeID.String),
	}
	csParams.AddExtra("components[customer_sheet][enabled]", "true")
	csParams.AddExtra("components[customer_sheet][features][payment_method_remove]", "enabled")
	cs, _ := customersession.New(csParams)

	c.JSON(http.StatusOK, struct {
		CustomerID   string `json:"customerId"`
		ClientSecret string `json:"clientSecret"`
	}{
		CustomerID:   cust.StripeID.String,
		ClientSecret: cs.ClientSecret,
	})
}

func (a *API) createSetupIntent(c *gin.Context) {
	logger := middleware.GetLogger(c)

	cust, err := a.currentCustomer(c)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	if !cust.StripeID.Valid {
		logger.Error("Customer has no stripe ID", "customerId", cust.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Customer has no stripe ID"})
		return
	}

	siparams := &stripe.SetupIntentParams{
		Customer: stripe.String(cust.StripeID.String),
		AutomaticPaymentMethods: &stripe.SetupIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	si, err := setupintent.New(siparams)
	if err != nil {
		logger.Error("Failed to create setup intent", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, struct {
		SetupIntent string `json:"setupIntent"`
	}{
		SetupIntent: si.ClientSecret,
	})
}
