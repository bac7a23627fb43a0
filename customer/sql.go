package customer

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db: db,
	}
}

var ErrNotFound = errors.New("customer not found")

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Customer, error) {
	var customer Customer
	err := r.db.GetContext(ctx, &customer, getCustomerQuery, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

const getCustomerQuery = "SELECT * FROM customers WHERE id = $1"

func (r *Repository) GetByAuth0ID(ctx context.Context, auth0ID string) (*Customer, error) {
	var customer Customer
	err := r.db.GetContext(ctx, &customer, getCustomerByAuth0IDQuery, auth0ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, err
	}
	return &customer, nil
}

const getCustomerByAuth0IDQuery = "SELECT * FROM customers WHERE auth0_id = $1"

func (r *Repository) Create(ctx context.Context, auth0ID, email, name string) (*Customer, error) {
	var customer Customer
	err := r.db.GetContext(ctx, &customer, createCustomerQuery, uuid.New(), auth0ID, email, name)
	return &customer, err
}

const createCustomerQuery = `
INSERT INTO customers (id, auth0_id, email, name, status)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), 'AVAILABLE')
RETURNING *
`

// UpdateStatus runs against ext so trip transitions can flip the customer
// inside their own transaction.
func (r *Repository) UpdateStatus(ctx context.Context, ext sqlx.ExtContext, id uuid.UUID, status Status) error {
	res, err := ext.ExecContext(ctx, updateCustomerStatusQuery, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const updateCustomerStatusQuery = "UPDATE customers SET status = $1 WHERE id = $2"

// LockStatus reads the customer's status inside tx, blocking concurrent
// trip creation for the same customer.
func (r *Repository) LockStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (Status, error) {
	var status Status
	err := tx.GetContext(ctx, &status, lockCustomerStatusQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return status, ErrNotFound
	}
	return status, err
}

const lockCustomerStatusQuery = "SELECT status FROM customers WHERE id = $1 FOR UPDATE"

func (r *Repository) UpdateLocation(ctx context.Context, id uuid.UUID, lat, lng float64) error {
	res, err := r.db.ExecContext(ctx, updateCustomerLocationQuery, lat, lng, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const updateCustomerLocationQuery = "UPDATE customers SET location = point($1, $2) WHERE id = $3"

func (r *Repository) AddStripeID(ctx context.Context, auth0ID, stripeID string) error {
	_, err := r.db.ExecContext(ctx, addStripeIDToCustomerQuery, stripeID, auth0ID)
	return err
}

const addStripeIDToCustomerQuery = "UPDATE customers SET stripe_id = $1 WHERE auth0_id = $2"

func (r *Repository) UpdateProfile(ctx context.Context, auth0ID, email, name string) error {
	_, err := r.db.ExecContext(ctx, updateProfileQuery, email, name, auth0ID)
	return err
}

const updateProfileQuery = `UPDATE customers SET email = NULLIF($1, ''), name = NULLIF($2, '') WHERE auth0_id = $3`
