package models

import (
	"time"

	"github.com/google/uuid"
)

// Customer is an account held by the local identity provider.
type Customer struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Email        string     `gorm:"type:text;not null;uniqueIndex:ux_customers_email"`
	Phone        *string    `gorm:"column:phone"`
	PasswordHash string     `gorm:"column:password_hash;not null"`
	FullName     string     `gorm:"column:full_name;not null"`
	IsActive     bool       `gorm:"column:is_active;not null;default:true"`
	LastLoginAt  *time.Time `gorm:"column:last_login_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Customer) TableName() string { return "customers" }
