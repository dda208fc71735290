package model

import (
	"fmt"
	"time"
)

// Tenant represents one hospital's row in the central directory
type Tenant struct {
	ID         int64
	Code       string
	NameAr     string
	NameEn     string
	City       string
	Region     string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConnParams holds the sanitized parameters used to open a tenant pool
type ConnParams struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// String renders the parameters without the password.
func (p ConnParams) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", p.User, p.Host, p.Port, p.Database)
}
