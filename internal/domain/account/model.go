package account

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oralhealth/intake/internal/platform/auth"
)

// Account is a patient or administrator identity.
type Account struct {
	ID           uuid.UUID `json:"id"`
	LoginID      string    `json:"loginid"`
	PasswordHash string    `json:"-"`
	NameCN       string    `json:"Name_CN"`
	NameEN       string    `json:"Name_EN"`
	Age          int       `json:"Age"`
	Month        int       `json:"Month"`
	Email        string    `json:"Email"`
	PhoneNumber  string    `json:"PhoneNumber"`
	Status       string    `json:"status"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (a *Account) IsActive() bool { return a.Status == auth.StatusActive }

// Principal converts the account into the caller identity used by the auth
// middleware.
func (a *Account) Principal() *auth.Principal {
	return &auth.Principal{
		ID:      a.ID.String(),
		LoginID: a.LoginID,
		Role:    a.Role,
		Status:  a.Status,
	}
}

// Summary is the read-only slice of an account embedded in records.
type Summary struct {
	ID          uuid.UUID `json:"id"`
	LoginID     string    `json:"loginid"`
	NameCN      string    `json:"Name_CN"`
	NameEN      string    `json:"Name_EN"`
	Age         int       `json:"Age"`
	Month       int       `json:"Month"`
	Email       string    `json:"Email"`
	PhoneNumber string    `json:"PhoneNumber"`
}

func (a *Account) Summary() *Summary {
	return &Summary{
		ID:          a.ID,
		LoginID:     a.LoginID,
		NameCN:      a.NameCN,
		NameEN:      a.NameEN,
		Age:         a.Age,
		Month:       a.Month,
		Email:       a.Email,
		PhoneNumber: a.PhoneNumber,
	}
}

// RegisterRequest is the body of the self-service register and application
// endpoints. Login_ID is accepted as an alias of loginid.
type RegisterRequest struct {
	LoginID       string `json:"loginid"`
	LegacyLoginID string `json:"Login_ID"`
	Password      string `json:"Password"`
	NameCN        string `json:"Name_CN"`
	NameEN        string `json:"Name_EN"`
	Age           *int   `json:"Age"`
	Month         *int   `json:"Month"`
	Email         string `json:"Email"`
	PhoneNumber   string `json:"PhoneNumber"`
}

// RequiredRegisterFields is reported back to clients that omit a field.
var RequiredRegisterFields = []string{
	"loginid", "Password", "Name_CN", "Name_EN", "Age", "Month", "Email", "PhoneNumber",
}

func (r *RegisterRequest) Login() string {
	return pickLoginID(r.LoginID, r.LegacyLoginID)
}

func (r *RegisterRequest) complete() bool {
	return r.Login() != "" && r.Password != "" &&
		strings.TrimSpace(r.NameCN) != "" && strings.TrimSpace(r.NameEN) != "" &&
		r.Age != nil && r.Month != nil &&
		strings.TrimSpace(r.Email) != "" && strings.TrimSpace(r.PhoneNumber) != ""
}

// CreateRequest is the admin creation body. Only loginid and Password are
// mandatory; status and role default to active and patient.
type CreateRequest struct {
	LoginID       string `json:"loginid"`
	LegacyLoginID string `json:"Login_ID"`
	Password      string `json:"Password"`
	NameCN        string `json:"Name_CN"`
	NameEN        string `json:"Name_EN"`
	Age           int    `json:"Age"`
	Month         int    `json:"Month"`
	Email         string `json:"Email"`
	PhoneNumber   string `json:"PhoneNumber"`
	Status        string `json:"status"`
	Role          string `json:"role"`
}

func (r *CreateRequest) Login() string {
	return pickLoginID(r.LoginID, r.LegacyLoginID)
}

// UpdateRequest carries the fields of a PUT. Absent fields keep their value.
type UpdateRequest struct {
	LoginID     *string `json:"loginid"`
	Password    *string `json:"Password"`
	NameCN      *string `json:"Name_CN"`
	NameEN      *string `json:"Name_EN"`
	Age         *int    `json:"Age"`
	Month       *int    `json:"Month"`
	Email       *string `json:"Email"`
	PhoneNumber *string `json:"PhoneNumber"`
	Status      *string `json:"status"`
	Role        *string `json:"role"`
}

// privileged reports whether the update touches admin-only fields.
func (r *UpdateRequest) privileged() bool {
	return r.Status != nil || r.Role != nil
}

func pickLoginID(primary, alias string) string {
	if v := strings.TrimSpace(primary); v != "" {
		return v
	}
	return strings.TrimSpace(alias)
}

func validStatus(s string) bool {
	return s == auth.StatusActive || s == auth.StatusInactive
}

func validRole(r string) bool {
	return r == auth.RolePatient || r == auth.RoleAdmin
}
