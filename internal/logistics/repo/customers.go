package repo

import (
	"context"
	"database/sql"
	"errors"
)

// CustomersRepo reads customer contact data.
type CustomersRepo struct {
	db      *sql.DB
	dialect Dialect
}

// NewCustomersRepo constructs a CustomersRepo.
func NewCustomersRepo(db *sql.DB, dialect Dialect) *CustomersRepo {
	return &CustomersRepo{db: db, dialect: dialect}
}

// Get loads a customer.
func (r *CustomersRepo) Get(ctx context.Context, id int64) (Customer, error) {
	var (
		c   Customer
		fcm sql.NullString
	)
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT id, name, phone, fcm_token FROM customers WHERE id = ?`), id).
		Scan(&c.ID, &c.Name, &c.Phone, &fcm)
	if errors.Is(err, sql.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, err
	}
	c.FCMToken = fcm.String
	return c, nil
}
