package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"index"`
	DisplayName  string
	PasswordHash string
	ExternalID   *int64    `gorm:"uniqueIndex"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type BookModel struct {
	ID          string `gorm:"primaryKey"`
	Title       string `gorm:"not null"`
	Description string `gorm:"type:text"`
	Genre       string
	Status      string `gorm:"not null"`
	CoverURL    string
	AuthorID    string `gorm:"not null;index"`
	IsPublic    bool
	Views       int64 `gorm:"not null;default:0"`
	IsFavorite  bool
	Source      string
	Format      string
	Price       *float64
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type ChapterModel struct {
	ID         string    `gorm:"primaryKey"`
	BookID     string    `gorm:"not null;index"`
	Title      string    `gorm:"not null"`
	Content    string    `gorm:"type:text"`
	OrderIndex int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type PurchaseModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index"`
	BookID     string `gorm:"not null;index"`
	ExternalID *int64
	Paid       bool
	CreatedAt  time.Time `gorm:"not null"`
}

type FavoriteModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;index"`
	BookID     string `gorm:"not null;index"`
	ExternalID *int64
	CreatedAt  time.Time `gorm:"not null"`
}

type ReadingProgressModel struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"not null;index"`
	BookID         string `gorm:"not null;index"`
	ExternalID     *int64
	CurrentChapter int
	TotalChapters  int
	Progress       int
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// SnapshotModel keeps raw JSON for keys that have no table, such as current-user.
// The column is json rather than jsonb so the stored text comes back byte for
// byte.
type SnapshotModel struct {
	ExternalID int64          `gorm:"primaryKey;autoIncrement:false"`
	Key        string         `gorm:"primaryKey"`
	Data       datatypes.JSON `gorm:"type:json"`
	UpdatedAt  time.Time
}
