package library

import "errors"

var (
	ErrEmailRequired      = errors.New("email required")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("incorrect email or password")
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrUserNotFound       = errors.New("user not found")

	ErrTitleRequired = errors.New("title required")
	ErrBookNotFound  = errors.New("book not found")

	ErrChapterNotFound   = errors.New("chapter not found")
	ErrChapterOrderTaken = errors.New("chapter position already used in this book")

	ErrAlreadyPurchased  = errors.New("book already purchased")
	ErrAlreadyFavorited  = errors.New("book already in favorites")
	ErrFavoriteNotFound  = errors.New("book is not in favorites")
	ErrInvalidChapterIdx = errors.New("chapter index out of range")

	// ErrCorruptData is returned when a stored collection is not valid JSON.
	ErrCorruptData = errors.New("stored data is corrupt")
)
