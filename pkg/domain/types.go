package domain

import "time"

type BookStatus string

const (
	StatusDraft     BookStatus = "draft"
	StatusPublished BookStatus = "published"
)

type BookSource string

const (
	SourceInternal BookSource = "internal"
	SourceExternal BookSource = "external"
)

// Logical key names shared by the local store, the cloud store and the
// remote sync endpoints.
const (
	KeyUsers           = "users"
	KeyBooks           = "books"
	KeyChapters        = "chapters"
	KeyCurrentUser     = "current-user"
	KeyPurchases       = "purchases"
	KeyReadingProgress = "reading-progress"
	KeyFavorites       = "favorites"
)

// SyncKeys lists every synchronized key, parents before children.
var SyncKeys = []string{
	KeyUsers,
	KeyCurrentUser,
	KeyBooks,
	KeyChapters,
	KeyPurchases,
	KeyFavorites,
	KeyReadingProgress,
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	ExternalID   *int64    `json:"externalId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsPlatformLinked reports whether the user came from the host chat platform.
func (u User) IsPlatformLinked() bool {
	return u.ExternalID != nil
}

type Book struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Genre       string     `json:"genre"`
	Status      BookStatus `json:"status"`
	CoverURL    string     `json:"coverUrl,omitempty"`
	AuthorID    string     `json:"authorId"`
	IsPublic    bool       `json:"isPublic"`
	Views       int64      `json:"views"`
	// IsFavorite is kept for records written before Favorite existed.
	IsFavorite bool       `json:"isFavorite,omitempty"`
	Source     BookSource `json:"source"`
	Format     string     `json:"format,omitempty"`
	Price      *float64   `json:"price,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Chapter struct {
	ID         string    `json:"id"`
	BookID     string    `json:"bookId"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	OrderIndex int       `json:"orderIndex"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Purchase.CreatedAt is the purchase time.
type Purchase struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	BookID     string    `json:"bookId"`
	ExternalID *int64    `json:"externalId,omitempty"`
	Paid       bool      `json:"paid"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Favorite.CreatedAt is the time the book was added.
type Favorite struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	BookID     string    `json:"bookId"`
	ExternalID *int64    `json:"externalId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ReadingProgress.UpdatedAt is the last time the book was read.
type ReadingProgress struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	BookID         string    `json:"bookId"`
	ExternalID     *int64    `json:"externalId,omitempty"`
	CurrentChapter int       `json:"currentChapter"`
	TotalChapters  int       `json:"totalChapters"`
	Progress       int       `json:"progress"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Result is returned by every public sync and migration entry point.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// OK builds a successful result.
func OK(msg string) Result {
	return Result{Success: true, Message: msg}
}

// Fail builds a failed result.
func Fail(msg string) Result {
	return Result{Success: false, Message: msg}
}
