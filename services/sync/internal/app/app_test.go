package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"bookshelf/pkg/domain"
	"bookshelf/pkg/store"
)

const ts = `"createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T10:00:00Z"`

func deviceData() map[string]string {
	return map[string]string{
		domain.KeyCurrentUser: `{"id":"u1","email":"7@platform.local","displayName":"Bo","externalId":7,` + ts + `}`,
		domain.KeyUsers: `[
			{"id":"u1","email":"7@platform.local","displayName":"Bo","externalId":7,` + ts + `},
			{"id":"u9","email":"other@example.com","displayName":"Other","passwordHash":"x",` + ts + `}
		]`,
		domain.KeyBooks: `[
			{"id":"b1","title":"Mine","authorId":"u1","status":"published","source":"internal",` + ts + `},
			{"id":"b9","title":"Theirs","authorId":"u9","status":"draft","source":"internal",` + ts + `}
		]`,
		domain.KeyChapters: `[
			{"id":"c1","bookId":"b1","title":"One","content":"...","orderIndex":1,` + ts + `},
			{"id":"c9","bookId":"b9","title":"Other","orderIndex":1,` + ts + `}
		]`,
		domain.KeyPurchases: `[
			{"id":"p1","userId":"u1","bookId":"b1","paid":true,"createdAt":"2024-03-02T00:00:00Z"},
			{"id":"p2","userId":"u9","bookId":"b1","paid":true,"createdAt":"2024-03-02T00:00:00Z"},
			{"id":"p3","userId":"u1","bookId":"missing","paid":true,"createdAt":"2024-03-02T00:00:00Z"}
		]`,
		domain.KeyFavorites:       `[{"id":"f1","userId":"u1","bookId":"b1","createdAt":"2024-03-02T00:00:00Z"}]`,
		domain.KeyReadingProgress: `[{"id":"r1","userId":"u1","bookId":"b1","currentChapter":0,"totalChapters":1,"progress":100,` + ts + `}]`,
	}
}

func newTestApp(t *testing.T) (*App, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	a, err := New(Config{Store: mem})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, mem
}

func TestSaveCreatesOwnerAndKeepsOwnRecords(t *testing.T) {
	ctx := context.Background()
	a, mem := newTestApp(t)

	res, err := a.Save(ctx, 7, deviceData())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(res.Saved) != 7 || res.Failed != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Skipped != 1 {
		t.Fatalf("expected the purchase of a missing book to be skipped, got %d", res.Skipped)
	}
	if res.Message() != "saved 7 keys" {
		t.Fatalf("message = %q", res.Message())
	}

	users := mem.Users()
	if len(users) != 1 || users[0].ID != "u1" || users[0].ExternalID == nil || *users[0].ExternalID != 7 {
		t.Fatalf("unexpected users: %+v", users)
	}
	if books := mem.Books(); len(books) != 1 || books[0].ID != "b1" {
		t.Fatalf("only the owner's books are stored: %+v", books)
	}
	if chapters := mem.Chapters(); len(chapters) != 1 || chapters[0].ID != "c1" {
		t.Fatalf("only chapters of stored books are kept: %+v", chapters)
	}
	purchases, _ := mem.ListPurchasesByUser(ctx, "u1")
	if len(purchases) != 1 || purchases[0].ExternalID == nil || *purchases[0].ExternalID != 7 {
		t.Fatalf("unexpected purchases: %+v", purchases)
	}
}

func TestLoadReturnsStoredCollections(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	data := deviceData()
	if _, err := a.Save(ctx, 7, data); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := a.Load(ctx, 7)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out[domain.KeyCurrentUser] != data[domain.KeyCurrentUser] {
		t.Fatalf("current-user snapshot not returned verbatim: %q", out[domain.KeyCurrentUser])
	}
	var books []domain.Book
	if err := json.Unmarshal([]byte(out[domain.KeyBooks]), &books); err != nil {
		t.Fatalf("decode books: %v", err)
	}
	if len(books) != 1 || books[0].Title != "Mine" {
		t.Fatalf("unexpected books: %+v", books)
	}
	if !strings.Contains(out[domain.KeyChapters], `"bookId":"b1"`) {
		t.Fatalf("chapters not camelCase: %s", out[domain.KeyChapters])
	}
	var users []domain.User
	if err := json.Unmarshal([]byte(out[domain.KeyUsers]), &users); err != nil || len(users) != 1 {
		t.Fatalf("unexpected users: %s (%v)", out[domain.KeyUsers], err)
	}
	if strings.Contains(out[domain.KeyUsers], "passwordHash") {
		t.Fatalf("password hash must not leave the service")
	}
	for _, key := range domain.SyncKeys {
		if _, ok := out[key]; !ok {
			t.Fatalf("missing key %s", key)
		}
	}

	empty, err := a.Load(ctx, 8)
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown user should have no data: %v %v", empty, err)
	}
}

func TestSaveOfLoadedDataIsStable(t *testing.T) {
	ctx := context.Background()
	a, mem := newTestApp(t)
	if _, err := a.Save(ctx, 7, deviceData()); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := a.Load(ctx, 7)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := a.Save(ctx, 7, loaded); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if len(mem.Users()) != 1 || len(mem.Books()) != 1 || len(mem.Chapters()) != 1 {
		t.Fatalf("resave must upsert, got users=%d books=%d chapters=%d", len(mem.Users()), len(mem.Books()), len(mem.Chapters()))
	}
	again, _ := a.Load(ctx, 7)
	if again[domain.KeyBooks] != loaded[domain.KeyBooks] {
		t.Fatalf("books changed across a round trip:\n%s\n%s", loaded[domain.KeyBooks], again[domain.KeyBooks])
	}
}

func TestSaveFailsWithoutOwner(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	_, err := a.Save(ctx, 7, map[string]string{domain.KeyBooks: "[]"})
	if !errors.Is(err, ErrOwnerUnknown) {
		t.Fatalf("expected ErrOwnerUnknown, got %v", err)
	}
	if _, err := a.Save(ctx, 0, deviceData()); !errors.Is(err, ErrInvalidExternalID) {
		t.Fatalf("expected ErrInvalidExternalID, got %v", err)
	}
	if _, err := a.Save(ctx, 7, nil); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if _, err := a.Load(ctx, -1); !errors.Is(err, ErrInvalidExternalID) {
		t.Fatalf("expected ErrInvalidExternalID on load, got %v", err)
	}
}

func TestSaveReportsMalformedKey(t *testing.T) {
	a, _ := newTestApp(t)
	data := deviceData()
	data[domain.KeyBooks] = "{not json"
	res, err := a.Save(context.Background(), 7, data)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := res.Failed[domain.KeyBooks]; !ok || len(res.Saved) != 6 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.HasSuffix(res.Message(), "(1 keys failed)") {
		t.Fatalf("message = %q", res.Message())
	}
}

func TestSaveNeverTakesOverAnotherUsersBook(t *testing.T) {
	ctx := context.Background()
	a, mem := newTestApp(t)
	ext := int64(1)
	other, _ := mem.SaveUser(ctx, domain.User{ID: "owner-a", Email: "a@example.com", ExternalID: &ext})
	if _, err := mem.SaveBook(ctx, domain.Book{ID: "b1", Title: "A's book", AuthorID: other.ID}); err != nil {
		t.Fatalf("seed book: %v", err)
	}

	res, err := a.Save(ctx, 7, deviceData())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Skipped == 0 {
		t.Fatalf("expected the colliding book to be skipped")
	}
	books, _ := mem.ListBooksByIDs(ctx, []string{"b1"})
	if len(books) != 1 || books[0].AuthorID != other.ID || books[0].Title != "A's book" {
		t.Fatalf("foreign book was overwritten: %+v", books)
	}
}

func TestLoadIncludesReferencedBooks(t *testing.T) {
	ctx := context.Background()
	a, mem := newTestApp(t)
	writerExt, readerExt := int64(1), int64(2)
	writer, _ := mem.SaveUser(ctx, domain.User{Email: "w@example.com", ExternalID: &writerExt})
	reader, _ := mem.SaveUser(ctx, domain.User{Email: "r@example.com", ExternalID: &readerExt})
	book, _ := mem.SaveBook(ctx, domain.Book{Title: "Shared", AuthorID: writer.ID})
	if _, err := mem.SaveChapter(ctx, domain.Chapter{BookID: book.ID, Title: "One", OrderIndex: 1}); err != nil {
		t.Fatalf("seed chapter: %v", err)
	}
	if _, err := mem.SavePurchase(ctx, domain.Purchase{UserID: reader.ID, BookID: book.ID, Paid: true}); err != nil {
		t.Fatalf("seed purchase: %v", err)
	}

	out, err := a.Load(ctx, readerExt)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(out[domain.KeyBooks], `"title":"Shared"`) {
		t.Fatalf("purchased book missing: %s", out[domain.KeyBooks])
	}
	if !strings.Contains(out[domain.KeyChapters], `"title":"One"`) {
		t.Fatalf("chapters of purchased book missing: %s", out[domain.KeyChapters])
	}
}
