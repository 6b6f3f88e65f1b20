package library

import (
	"context"
	"sort"
	"strings"

	"bookshelf/pkg/domain"
)

// ChapterUpdate lists the fields UpdateChapter may change. Nil leaves a field
// untouched.
type ChapterUpdate struct {
	Title      *string
	Content    *string
	OrderIndex *int
}

// AddChapter appends a chapter to a book. An order of zero or less places the
// chapter after the current last one.
func (l *Library) AddChapter(ctx context.Context, bookID, title, content string, order int) (domain.Chapter, error) {
	if _, ok, err := l.GetBook(ctx, bookID); err != nil {
		return domain.Chapter{}, err
	} else if !ok {
		return domain.Chapter{}, ErrBookNotFound
	}
	chapters, err := loadCollection[domain.Chapter](ctx, l.kv, domain.KeyChapters)
	if err != nil {
		return domain.Chapter{}, err
	}
	maxOrder := 0
	for _, c := range chapters {
		if c.BookID != bookID {
			continue
		}
		if order > 0 && c.OrderIndex == order {
			return domain.Chapter{}, ErrChapterOrderTaken
		}
		if c.OrderIndex > maxOrder {
			maxOrder = c.OrderIndex
		}
	}
	if order <= 0 {
		order = maxOrder + 1
	}
	now := l.now()
	chapter := domain.Chapter{
		ID:         l.newID(),
		BookID:     bookID,
		Title:      strings.TrimSpace(title),
		Content:    content,
		OrderIndex: order,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	chapters = append(chapters, chapter)
	if err := saveCollection(ctx, l.kv, domain.KeyChapters, chapters); err != nil {
		return domain.Chapter{}, err
	}
	return chapter, nil
}

// GetChapter returns a chapter by id.
func (l *Library) GetChapter(ctx context.Context, id string) (domain.Chapter, bool, error) {
	chapters, err := loadCollection[domain.Chapter](ctx, l.kv, domain.KeyChapters)
	if err != nil {
		return domain.Chapter{}, false, err
	}
	for _, c := range chapters {
		if c.ID == id {
			return c, true, nil
		}
	}
	return domain.Chapter{}, false, nil
}

// ListChapters returns the chapters of a book in reading order.
func (l *Library) ListChapters(ctx context.Context, bookID string) ([]domain.Chapter, error) {
	chapters, err := loadCollection[domain.Chapter](ctx, l.kv, domain.KeyChapters)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chapter, 0)
	for _, c := range chapters {
		if c.BookID == bookID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

// UpdateChapter edits a chapter in place.
func (l *Library) UpdateChapter(ctx context.Context, id string, upd ChapterUpdate) (domain.Chapter, error) {
	chapters, err := loadCollection[domain.Chapter](ctx, l.kv, domain.KeyChapters)
	if err != nil {
		return domain.Chapter{}, err
	}
	idx := -1
	for i, c := range chapters {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Chapter{}, ErrChapterNotFound
	}
	c := chapters[idx]
	if upd.OrderIndex != nil && *upd.OrderIndex != c.OrderIndex {
		if *upd.OrderIndex <= 0 {
			return domain.Chapter{}, ErrInvalidChapterIdx
		}
		for _, other := range chapters {
			if other.BookID == c.BookID && other.ID != c.ID && other.OrderIndex == *upd.OrderIndex {
				return domain.Chapter{}, ErrChapterOrderTaken
			}
		}
		c.OrderIndex = *upd.OrderIndex
	}
	if upd.Title != nil {
		c.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Content != nil {
		c.Content = *upd.Content
	}
	c.UpdatedAt = l.now()
	chapters[idx] = c
	if err := saveCollection(ctx, l.kv, domain.KeyChapters, chapters); err != nil {
		return domain.Chapter{}, err
	}
	return c, nil
}

// DeleteChapter removes a chapter.
func (l *Library) DeleteChapter(ctx context.Context, id string) error {
	if _, ok, err := l.GetChapter(ctx, id); err != nil {
		return err
	} else if !ok {
		return ErrChapterNotFound
	}
	return removeWhere(ctx, l, domain.KeyChapters, func(c domain.Chapter) bool { return c.ID == id })
}
