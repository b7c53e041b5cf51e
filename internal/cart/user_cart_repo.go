package cart

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
)

// UserCart is the server-side cart of a signed-in customer.
type UserCart struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	Items     Record    `gorm:"column:items;type:jsonb;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (UserCart) TableName() string { return "user_carts" }

// UserCartRepository persists carts keyed by user id.
type UserCartRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewUserCartRepository binds the repository to the provided GORM handle.
// timeout bounds every call; zero disables the bound.
func NewUserCartRepository(db *gorm.DB, timeout time.Duration) *UserCartRepository {
	return &UserCartRepository{db: db, timeout: timeout}
}

func (r *UserCartRepository) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Fetch returns the user's stored cart. A user without a stored cart gets an
// empty record, not an error.
func (r *UserCartRepository) Fetch(ctx context.Context, userID string) (Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if r == nil || r.db == nil {
		return nil, pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "cart database not configured")
	}

	ctx, cancel := r.bounded(ctx)
	defer cancel()

	var row UserCart
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "fetch user cart")
	}
	if row.Items == nil {
		return Record{}, nil
	}
	return row.Items.Normalize(), nil
}

// Save upserts the user's cart.
func (r *UserCartRepository) Save(ctx context.Context, userID string, record Record) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if r == nil || r.db == nil {
		return pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "cart database not configured")
	}

	ctx, cancel := r.bounded(ctx)
	defer cancel()

	row := UserCart{
		UserID:    userID,
		Items:     record.Normalize(),
		UpdatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"items", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "save user cart")
	}
	return nil
}
