package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
)

// IsUniqueViolation reports whether err comes from a unique constraint on
// either supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || pkgerrors.IsUniqueViolation(err) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
