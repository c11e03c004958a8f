package models

import "time"

// Location is one tenant (sub-account) of the remote CRM. Rows are never
// hard-deleted; uninstall only clears Installed.
type Location struct {
	ID               string     `gorm:"column:id;primaryKey"`
	LocationID       string     `gorm:"column:location_id;uniqueIndex"`
	CompanyID        string     `gorm:"column:company_id;index"`
	Name             *string    `gorm:"column:name"`
	Email            *string    `gorm:"column:email"`
	Phone            *string    `gorm:"column:phone"`
	Address          *string    `gorm:"column:address"`
	City             *string    `gorm:"column:city"`
	State            *string    `gorm:"column:state"`
	Country          *string    `gorm:"column:country"`
	PostalCode       *string    `gorm:"column:postal_code"`
	Website          *string    `gorm:"column:website"`
	Timezone         *string    `gorm:"column:timezone"`
	Installed        bool       `gorm:"column:installed"`
	InstalledAt      *time.Time `gorm:"column:installed_at"`
	UninstalledAt    *time.Time `gorm:"column:uninstalled_at"`
	ContactCount     int        `gorm:"column:contact_count"`
	OpportunityCount int        `gorm:"column:opportunity_count"`
	LastSyncedAt     *time.Time `gorm:"column:last_synced_at"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Location) TableName() string {
	return "location"
}
