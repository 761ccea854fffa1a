// Package models defines the GORM models shared across the service.
package models

import "time"

// Client is the tenant boundary. Every other entity belongs to exactly
// one client, directly or through its codebook.
type Client struct {
	ID           string `gorm:"primaryKey;size:36"`
	Name         string `gorm:"size:255;not null"`
	Slug         string `gorm:"size:100;index"`
	ContactEmail string `gorm:"size:255"`
	Metadata     string `gorm:"type:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time `gorm:"index"`
}
