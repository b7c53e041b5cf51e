package local

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reliablestore/storefront/pkg/db/models"
)

// Repository exposes customer persistence for the local provider.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a customers repo bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new customer.
func (r *Repository) Create(ctx context.Context, customer *models.Customer) error {
	if customer.ID == uuid.Nil {
		customer.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(customer).Error
}

// FindByEmail retrieves the customer matching the normalized email.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*models.Customer, error) {
	var customer models.Customer
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// FindByPhone retrieves the customer registered with the phone number.
func (r *Repository) FindByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	var customer models.Customer
	if err := r.db.WithContext(ctx).Where("phone = ?", phone).First(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// FindByID loads a customer by UUID.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var customer models.Customer
	if err := r.db.WithContext(ctx).First(&customer, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// UpdateLastLogin refreshes the customer's last_login_at timestamp.
func (r *Repository) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Customer{}).
		Where("id = ?", id).
		UpdateColumn("last_login_at", at).Error
}

// UpdatePasswordHash replaces the stored hash, used when parameters change.
func (r *Repository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	return r.db.WithContext(ctx).
		Model(&models.Customer{}).
		Where("id = ?", id).
		UpdateColumn("password_hash", hash).Error
}
