package repository

import "errors"

var (
	// ErrInsufficientStock is returned by conditional stock decrements when
	// the product exists but does not have enough stock left.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrProductMissing is returned when a stock decrement targets a product
	// that no longer exists.
	ErrProductMissing = errors.New("product missing")
)
