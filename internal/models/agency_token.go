package models

import "time"

// AgencyToken is the company-wide remote credential. One row per
// (company, application); refreshes overwrite it in place.
type AgencyToken struct {
	ID           string     `gorm:"column:id;primaryKey"`
	CompanyID    string     `gorm:"column:company_id;uniqueIndex:ux_agency_token_company_app,priority:1"`
	AppID        string     `gorm:"column:app_id;uniqueIndex:ux_agency_token_company_app,priority:2"`
	AccessToken  *string    `gorm:"column:access_token"`
	RefreshToken *string    `gorm:"column:refresh_token"`
	ExpiresAt    *time.Time `gorm:"column:expires_at"`
	Scope        *string    `gorm:"column:scope"`
	UserType     *string    `gorm:"column:user_type"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (AgencyToken) TableName() string {
	return "agency_token"
}
