package models

import "time"

type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
)

func ValidStatus(s Status) bool {
	return s == StatusWaiting || s == StatusInProgress
}

type CustomFieldType string

const (
	FieldTypeText     CustomFieldType = "TEXT"
	FieldTypeCheckbox CustomFieldType = "CHECKBOX"
)

// CustomField describes one entry of the per-branch registration form schema.
type CustomField struct {
	ID       string          `json:"id"`
	Label    string          `json:"label"`
	Type     CustomFieldType `json:"type"`
	Required bool            `json:"required"`
}

// Customer is a ticket moving through the station sequence. Identity fields
// and CustomFieldData are fixed at registration; Station and Status change
// only through queue engine operations.
type Customer struct {
	ID              int64          `json:"id"`
	QueueNumber     string         `json:"queueNumber"`
	BranchID        string         `json:"branchId"`
	FirstName       string         `json:"firstName"`
	LastName        string         `json:"lastName"`
	Phone           string         `json:"phone"`
	Station         string         `json:"station"`
	Status          Status         `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	CustomFieldData map[string]any `json:"customFieldData,omitempty"`
}

// CompletedEntry is a finished customer snapshot kept for statistics only.
type CompletedEntry struct {
	Customer
	CompletedAt time.Time `json:"completedAt"`
}

// RegistrationSettings is the per-branch branding and form schema.
type RegistrationSettings struct {
	BranchID     string        `json:"branchId"`
	Title        string        `json:"title"`
	Subtitle     string        `json:"subtitle"`
	LogoURL      string        `json:"logoUrl"`
	ThemeColor   string        `json:"themeColor"`
	CustomFields []CustomField `json:"customFields"`
}

// DefaultSettings returns the settings used when a branch has none stored.
func DefaultSettings(branchID string) RegistrationSettings {
	return RegistrationSettings{
		BranchID:     branchID,
		Title:        "Smart Queue",
		Subtitle:     "กรอกข้อมูลเพื่อรับบัตรคิว",
		ThemeColor:   "#0ea5e9",
		CustomFields: []CustomField{},
	}
}
