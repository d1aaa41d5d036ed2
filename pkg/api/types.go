package api

import (
	"encoding/json"
	"strconv"
)

// Notification types with dedicated handling.
const (
	TypeEmployeeStatusChange = "EMPLOYEE_STATUS_CHANGE"
	TypeOrderAssignment      = "ORDER_ASSIGNMENT"
)

// Roles as reported by /auth/me.
const (
	RoleAdmin           = "admin"
	RoleCustomerService = "customer-service"
	RoleEmployee        = "user"
)

// User is the logged-in account.
type User struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	RealName        string `json:"realName"`
	Role            string `json:"role"`
	RoleDescription string `json:"roleDescription,omitempty"`
	IsActive        bool   `json:"isActive"`
	LastLogin       string `json:"lastLogin,omitempty"`
}

// DisplayName prefers the real name.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.RealName != "" {
		return u.RealName
	}
	return u.Username
}

// Notification mirrors the backend notification record.
type Notification struct {
	ID         int64   `json:"id"`
	Type       string  `json:"type"`
	Title      string  `json:"title,omitempty"`
	Content    string  `json:"content"`
	Data       RawData `json:"data,omitempty"`
	IsRead     bool    `json:"isRead"`
	CreateTime string  `json:"createTime,omitempty"`
}

// RawData holds the notification payload as JSON text. The backend
// normally sends a JSON-encoded string; an inline object is kept verbatim.
type RawData string

func (d *RawData) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = RawData(s)
		return nil
	}
	*d = RawData(b)
	return nil
}

// Record is one element of an employee, order or user list. Records stay
// schemaless so the differ can be configured per kind.
type Record = map[string]any

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// LoginResult carries tokens and the user returned by a successful login.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	User         *User
}

// Credentials are attached to every request.
type Credentials struct {
	Token  string
	UserID int64
	Role   string
}

func (c Credentials) userIDHeader() string {
	if c.UserID == 0 {
		return ""
	}
	return strconv.FormatInt(c.UserID, 10)
}
