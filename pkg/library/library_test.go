package library

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bookshelf/pkg/domain"
	"bookshelf/pkg/localkv"
)

func newTestLibrary(t *testing.T) (*Library, *localkv.MemoryStore) {
	t.Helper()
	kv := localkv.NewMemoryStore()
	lib := New(kv)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	lib.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return lib, kv
}

func mustRegister(t *testing.T, lib *Library, email string) domain.User {
	t.Helper()
	u, err := lib.Register(context.Background(), email, "", "secret123")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return u
}

func mustBook(t *testing.T, lib *Library, authorID, title string) domain.Book {
	t.Helper()
	b, err := lib.CreateBook(context.Background(), authorID, BookInput{Title: title})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return b
}

func TestRegisterLoginAndCurrentUser(t *testing.T) {
	lib, kv := newTestLibrary(t)
	ctx := context.Background()

	u := mustRegister(t, lib, " Reader@Example.com ")
	if u.Email != "reader@example.com" || u.DisplayName != "reader" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := lib.Register(ctx, "reader@example.com", "", "secret123"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	raw, _, _ := kv.Get(ctx, domain.KeyCurrentUser)
	if strings.Contains(raw, "passwordHash") {
		t.Fatalf("current user must not carry the password hash: %s", raw)
	}

	if err := lib.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok, _ := lib.CurrentUser(ctx); ok {
		t.Fatalf("expected no current user after logout")
	}
	if _, err := lib.Login(ctx, "reader@example.com", "wrong-pass1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := lib.Login(ctx, "READER@example.com", "secret123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	cur, ok, err := lib.CurrentUser(ctx)
	if err != nil || !ok || cur.ID != u.ID {
		t.Fatalf("unexpected current user %+v ok=%v err=%v", cur, ok, err)
	}
}

func TestLoginPlatformIsUniquePerExternalID(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()

	first, err := lib.LoginPlatform(ctx, 42, "Ann")
	if err != nil {
		t.Fatalf("login platform: %v", err)
	}
	second, err := lib.LoginPlatform(ctx, 42, "Annie")
	if err != nil {
		t.Fatalf("login platform again: %v", err)
	}
	if first.ID != second.ID || second.DisplayName != "Annie" {
		t.Fatalf("expected same user renamed, got %+v then %+v", first, second)
	}
	users, _ := lib.Users(ctx)
	if len(users) != 1 {
		t.Fatalf("expected one user, got %d", len(users))
	}
}

func TestDuplicatePurchaseKeepsOneRecord(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()
	u := mustRegister(t, lib, "a@example.com")
	b := mustBook(t, lib, u.ID, "Dune")

	if _, err := lib.Purchase(ctx, u.ID, b.ID); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := lib.Purchase(ctx, u.ID, b.ID); !errors.Is(err, ErrAlreadyPurchased) {
		t.Fatalf("expected ErrAlreadyPurchased, got %v", err)
	}
	purchases, _ := lib.ListPurchases(ctx, u.ID)
	if len(purchases) != 1 {
		t.Fatalf("expected exactly one purchase, got %d", len(purchases))
	}
	owned, _ := lib.HasPurchased(ctx, u.ID, b.ID)
	if !owned {
		t.Fatalf("expected purchase to be visible")
	}
}

func TestChaptersOrdering(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()
	u := mustRegister(t, lib, "a@example.com")
	b := mustBook(t, lib, u.ID, "Book")

	if _, err := lib.AddChapter(ctx, b.ID, "Three", "", 3); err != nil {
		t.Fatalf("add chapter: %v", err)
	}
	one, err := lib.AddChapter(ctx, b.ID, "One", "", 1)
	if err != nil {
		t.Fatalf("add chapter: %v", err)
	}
	next, err := lib.AddChapter(ctx, b.ID, "Next", "", 0)
	if err != nil {
		t.Fatalf("add chapter: %v", err)
	}
	if next.OrderIndex != 4 {
		t.Fatalf("expected appended chapter at 4, got %d", next.OrderIndex)
	}
	if _, err := lib.AddChapter(ctx, b.ID, "Dup", "", 1); !errors.Is(err, ErrChapterOrderTaken) {
		t.Fatalf("expected ErrChapterOrderTaken, got %v", err)
	}
	two := 2
	if _, err := lib.UpdateChapter(ctx, one.ID, ChapterUpdate{OrderIndex: &two}); err != nil {
		t.Fatalf("move chapter: %v", err)
	}

	chapters, _ := lib.ListChapters(ctx, b.ID)
	got := make([]int, 0, len(chapters))
	for _, c := range chapters {
		got = append(got, c.OrderIndex)
	}
	want := []int{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chapter order = %v, want %v", got, want)
		}
	}
	if _, err := lib.AddChapter(ctx, "missing", "x", "", 0); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestDeleteBookCascades(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()
	u := mustRegister(t, lib, "a@example.com")
	keep := mustBook(t, lib, u.ID, "Keep")
	drop := mustBook(t, lib, u.ID, "Drop")
	for _, b := range []domain.Book{keep, drop} {
		if _, err := lib.AddChapter(ctx, b.ID, "c", "", 0); err != nil {
			t.Fatalf("add chapter: %v", err)
		}
		if _, err := lib.AddFavorite(ctx, u.ID, b.ID); err != nil {
			t.Fatalf("favorite: %v", err)
		}
		if _, err := lib.SaveProgress(ctx, u.ID, b.ID, 0, 1); err != nil {
			t.Fatalf("progress: %v", err)
		}
	}
	if _, err := lib.Purchase(ctx, u.ID, drop.ID); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if err := lib.DeleteBook(ctx, drop.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := lib.DeleteBook(ctx, drop.ID); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound on second delete, got %v", err)
	}

	snap, err := lib.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Books) != 1 || len(snap.Chapters) != 1 || len(snap.Favorites) != 1 || len(snap.Progress) != 1 {
		t.Fatalf("unexpected snapshot after cascade: %+v", snap)
	}
	if snap.Chapters[0].BookID != keep.ID {
		t.Fatalf("wrong chapter survived: %+v", snap.Chapters[0])
	}
	if len(snap.Purchases) != 1 {
		t.Fatalf("purchases should survive book deletion")
	}
}

func TestSaveProgressUpserts(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()
	u := mustRegister(t, lib, "a@example.com")
	b := mustBook(t, lib, u.ID, "Book")

	first, err := lib.SaveProgress(ctx, u.ID, b.ID, 0, 3)
	if err != nil {
		t.Fatalf("save progress: %v", err)
	}
	second, err := lib.SaveProgress(ctx, u.ID, b.ID, 2, 3)
	if err != nil {
		t.Fatalf("save progress: %v", err)
	}
	if first.ID != second.ID || second.Progress != 100 || second.CurrentChapter != 2 {
		t.Fatalf("unexpected upsert: %+v -> %+v", first, second)
	}
	rows, _ := lib.ListProgress(ctx, u.ID)
	if len(rows) != 1 {
		t.Fatalf("expected one progress row, got %d", len(rows))
	}
	if _, err := lib.SaveProgress(ctx, u.ID, b.ID, 5, 3); !errors.Is(err, ErrInvalidChapterIdx) {
		t.Fatalf("expected ErrInvalidChapterIdx, got %v", err)
	}
}

func TestProgressPercent(t *testing.T) {
	cases := []struct {
		index, total, want int
	}{
		{0, 0, 0},
		{0, 3, 33},
		{1, 3, 67},
		{2, 3, 100},
		{9, 3, 100},
		{-5, 3, 0},
	}
	for _, tc := range cases {
		if got := ProgressPercent(tc.index, tc.total); got != tc.want {
			t.Errorf("ProgressPercent(%d, %d) = %d, want %d", tc.index, tc.total, got, tc.want)
		}
	}
}

func TestFavoritesAndViews(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()
	u := mustRegister(t, lib, "a@example.com")
	b := mustBook(t, lib, u.ID, "Book")

	if _, err := lib.AddFavorite(ctx, u.ID, b.ID); err != nil {
		t.Fatalf("favorite: %v", err)
	}
	if _, err := lib.AddFavorite(ctx, u.ID, b.ID); !errors.Is(err, ErrAlreadyFavorited) {
		t.Fatalf("expected ErrAlreadyFavorited, got %v", err)
	}
	if err := lib.RemoveFavorite(ctx, u.ID, b.ID); err != nil {
		t.Fatalf("remove favorite: %v", err)
	}
	if err := lib.RemoveFavorite(ctx, u.ID, b.ID); !errors.Is(err, ErrFavoriteNotFound) {
		t.Fatalf("expected ErrFavoriteNotFound, got %v", err)
	}

	for range 3 {
		if _, err := lib.RecordView(ctx, b.ID); err != nil {
			t.Fatalf("record view: %v", err)
		}
	}
	got, _, _ := lib.GetBook(ctx, b.ID)
	if got.Views != 3 {
		t.Fatalf("expected 3 views, got %d", got.Views)
	}
}

func TestMigrationNeededAndCorruptData(t *testing.T) {
	lib, kv := newTestLibrary(t)
	ctx := context.Background()

	needed, err := lib.MigrationNeeded(ctx)
	if err != nil || needed {
		t.Fatalf("empty store: needed=%v err=%v", needed, err)
	}
	mustRegister(t, lib, "a@example.com")
	if needed, _ = lib.MigrationNeeded(ctx); !needed {
		t.Fatalf("expected migration to be needed once a user exists")
	}

	_ = kv.Set(ctx, domain.KeyBooks, "{not json")
	if _, err := lib.ListBooks(ctx, BookFilter{}); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData, got %v", err)
	}
}

func TestNewIDUniqueWithinMillisecond(t *testing.T) {
	lib, _ := newTestLibrary(t)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lib.now = func() time.Time { return fixed }
	seen := map[string]bool{}
	for range 5 {
		id := lib.newID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
