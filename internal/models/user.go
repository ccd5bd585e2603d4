package models

import (
	"errors"
	"strings"
	"time"
)

// Role is closed: only RoleDoctor and RolePatient are valid.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

var ErrInvalidRole = errors.New("role must be doctor or patient")

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleDoctor:
		return RoleDoctor, nil
	case RolePatient:
		return RolePatient, nil
	}
	return "", ErrInvalidRole
}

func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient:
		return true
	}
	return false
}

// Counterpart is the role a conversation partner must have.
func (r Role) Counterpart() Role {
	switch r {
	case RoleDoctor:
		return RolePatient
	case RolePatient:
		return RoleDoctor
	}
	return ""
}

type User struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"email"`
	Username     string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"username"`
	DisplayName  string    `gorm:"type:varchar(128)" json:"displayName"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	Role         Role      `gorm:"type:varchar(16);index;not null" json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (User) TableName() string { return "users" }

// Public is the subset of a user shown to the other party of a conversation.
type Public struct {
	ID          uint64 `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

func (u *User) Public() Public {
	return Public{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, Role: u.Role}
}
