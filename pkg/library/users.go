package library

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bookshelf/pkg/auth"
	"bookshelf/pkg/domain"
)

// Register creates an email/password account and logs it in.
func (l *Library) Register(ctx context.Context, email, displayName, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.User{}, ErrEmailRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, err
	}
	users, err := loadCollection[domain.User](ctx, l.kv, domain.KeyUsers)
	if err != nil {
		return domain.User{}, err
	}
	for _, u := range users {
		if !u.IsPlatformLinked() && strings.EqualFold(u.Email, email) {
			return domain.User{}, ErrEmailTaken
		}
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	now := l.now()
	user := domain.User{
		ID:           l.newID(),
		Email:        email,
		DisplayName:  name,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	users = append(users, user)
	if err := saveCollection(ctx, l.kv, domain.KeyUsers, users); err != nil {
		return domain.User{}, err
	}
	if err := l.setCurrentUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// Login checks credentials and makes the user current.
func (l *Library) Login(ctx context.Context, email, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	users, err := loadCollection[domain.User](ctx, l.kv, domain.KeyUsers)
	if err != nil {
		return domain.User{}, err
	}
	for _, u := range users {
		if u.IsPlatformLinked() || !strings.EqualFold(u.Email, email) {
			continue
		}
		if !auth.CheckPassword(password, u.PasswordHash) {
			return domain.User{}, ErrInvalidCredentials
		}
		if err := l.setCurrentUser(ctx, u); err != nil {
			return domain.User{}, err
		}
		return u, nil
	}
	return domain.User{}, ErrInvalidCredentials
}

// LoginPlatform finds or creates the user linked to a chat-platform id.
func (l *Library) LoginPlatform(ctx context.Context, externalID int64, displayName string) (domain.User, error) {
	users, err := loadCollection[domain.User](ctx, l.kv, domain.KeyUsers)
	if err != nil {
		return domain.User{}, err
	}
	for i, u := range users {
		if u.ExternalID == nil || *u.ExternalID != externalID {
			continue
		}
		if name := strings.TrimSpace(displayName); name != "" && name != u.DisplayName {
			u.DisplayName = name
			u.UpdatedAt = l.now()
			users[i] = u
			if err := saveCollection(ctx, l.kv, domain.KeyUsers, users); err != nil {
				return domain.User{}, err
			}
		}
		if err := l.setCurrentUser(ctx, u); err != nil {
			return domain.User{}, err
		}
		return u, nil
	}
	id := externalID
	now := l.now()
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = fmt.Sprintf("user%d", externalID)
	}
	user := domain.User{
		ID:          l.newID(),
		Email:       fmt.Sprintf("%d@platform.local", externalID),
		DisplayName: name,
		ExternalID:  &id,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	users = append(users, user)
	if err := saveCollection(ctx, l.kv, domain.KeyUsers, users); err != nil {
		return domain.User{}, err
	}
	if err := l.setCurrentUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// CurrentUser returns the logged-in user, if any.
func (l *Library) CurrentUser(ctx context.Context) (domain.User, bool, error) {
	raw, ok, err := l.kv.Get(ctx, domain.KeyCurrentUser)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("read %s: %w", domain.KeyCurrentUser, err)
	}
	if !ok || raw == "" || raw == "null" {
		return domain.User{}, false, nil
	}
	var u domain.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return domain.User{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptData, domain.KeyCurrentUser, err)
	}
	if u.ID == "" {
		return domain.User{}, false, nil
	}
	return u, true, nil
}

// Logout clears the current user.
func (l *Library) Logout(ctx context.Context) error {
	return l.kv.Delete(ctx, domain.KeyCurrentUser)
}

// Users returns every locally known user.
func (l *Library) Users(ctx context.Context) ([]domain.User, error) {
	return loadCollection[domain.User](ctx, l.kv, domain.KeyUsers)
}

// GetUser returns a user by id.
func (l *Library) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	users, err := loadCollection[domain.User](ctx, l.kv, domain.KeyUsers)
	if err != nil {
		return domain.User{}, false, err
	}
	for _, u := range users {
		if u.ID == id {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (l *Library) setCurrentUser(ctx context.Context, u domain.User) error {
	u.PasswordHash = ""
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode %s: %w", domain.KeyCurrentUser, err)
	}
	if err := l.kv.Set(ctx, domain.KeyCurrentUser, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", domain.KeyCurrentUser, err)
	}
	return nil
}
