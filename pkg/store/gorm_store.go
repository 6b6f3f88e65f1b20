package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookshelf/pkg/domain"
)

const migrateLockID int64 = 51730119

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&BookModel{},
			&ChapterModel{},
			&PurchaseModel{},
			&FavoriteModel{},
			&ReadingProgressModel{},
			&SnapshotModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND constraint_name = 'book_models_author_id_fkey'
				) THEN
					ALTER TABLE book_models
					ADD CONSTRAINT book_models_author_id_fkey
					FOREIGN KEY (author_id) REFERENCES user_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND constraint_name = 'chapter_models_book_id_fkey'
				) THEN
					ALTER TABLE chapter_models
					ADD CONSTRAINT chapter_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND constraint_name = 'purchase_models_user_id_fkey'
				) THEN
					ALTER TABLE purchase_models
					ADD CONSTRAINT purchase_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE,
					ADD CONSTRAINT purchase_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND constraint_name = 'favorite_models_user_id_fkey'
				) THEN
					ALTER TABLE favorite_models
					ADD CONSTRAINT favorite_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE,
					ADD CONSTRAINT favorite_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND constraint_name = 'reading_progress_models_user_id_fkey'
				) THEN
					ALTER TABLE reading_progress_models
					ADD CONSTRAINT reading_progress_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE,
					ADD CONSTRAINT reading_progress_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// upsert inserts model or updates the listed columns when the id exists.
func (s *GormStore) upsert(ctx context.Context, model any, columns []string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(model).Error
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("%w: %v", ErrForeignKey, err)
	}
	return err
}

func ensureID(id string) string {
	if strings.TrimSpace(id) == "" {
		return uuid.NewString()
	}
	return id
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) (domain.User, error) {
	u.ID = ensureID(u.ID)
	model := userToModel(u)
	if err := s.upsert(ctx, &model, []string{"email", "display_name", "password_hash", "external_id", "updated_at"}); err != nil {
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.firstUser(ctx, "id = ?", id)
}

// GetUserByExternalID looks up a user by platform id.
func (s *GormStore) GetUserByExternalID(ctx context.Context, externalID int64) (domain.User, bool, error) {
	return s.firstUser(ctx, "external_id = ?", externalID)
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.firstUser(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (s *GormStore) firstUser(ctx context.Context, query string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where(query, arg).Order("created_at ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) (domain.Book, error) {
	b.ID = ensureID(b.ID)
	model := bookToModel(b)
	if err := s.upsert(ctx, &model, []string{"title", "description", "genre", "status", "cover_url", "author_id", "is_public", "views", "is_favorite", "source", "format", "price", "updated_at"}); err != nil {
		return domain.Book{}, err
	}
	return bookFromModel(model), nil
}

// ListBooksByAuthor returns books written by authorID.
func (s *GormStore) ListBooksByAuthor(ctx context.Context, authorID string) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).Where("author_id = ?", authorID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return mapSlice(models, bookFromModel), nil
}

// ListBooksByIDs returns the books with the given ids.
func (s *GormStore) ListBooksByIDs(ctx context.Context, ids []string) ([]domain.Book, error) {
	if len(ids) == 0 {
		return []domain.Book{}, nil
	}
	var models []BookModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return mapSlice(models, bookFromModel), nil
}

// SaveChapter stores or updates a chapter.
func (s *GormStore) SaveChapter(ctx context.Context, c domain.Chapter) (domain.Chapter, error) {
	c.ID = ensureID(c.ID)
	model := chapterToModel(c)
	if err := s.upsert(ctx, &model, []string{"book_id", "title", "content", "order_index", "updated_at"}); err != nil {
		return domain.Chapter{}, err
	}
	return chapterFromModel(model), nil
}

// ListChaptersByBooks returns chapters of the given books in reading order.
func (s *GormStore) ListChaptersByBooks(ctx context.Context, bookIDs []string) ([]domain.Chapter, error) {
	if len(bookIDs) == 0 {
		return []domain.Chapter{}, nil
	}
	var models []ChapterModel
	if err := s.db.WithContext(ctx).Where("book_id IN ?", bookIDs).
		Order("book_id ASC").
		Order("order_index ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return mapSlice(models, chapterFromModel), nil
}

// SavePurchase stores or updates a purchase.
func (s *GormStore) SavePurchase(ctx context.Context, p domain.Purchase) (domain.Purchase, error) {
	p.ID = ensureID(p.ID)
	model := PurchaseModel{
		ID:         p.ID,
		UserID:     p.UserID,
		BookID:     p.BookID,
		ExternalID: p.ExternalID,
		Paid:       p.Paid,
		CreatedAt:  p.CreatedAt,
	}
	if err := s.upsert(ctx, &model, []string{"user_id", "book_id", "external_id", "paid"}); err != nil {
		return domain.Purchase{}, err
	}
	return purchaseFromModel(model), nil
}

// ListPurchasesByUser returns purchases of a user.
func (s *GormStore) ListPurchasesByUser(ctx context.Context, userID string) ([]domain.Purchase, error) {
	var models []PurchaseModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return mapSlice(models, purchaseFromModel), nil
}

// SaveFavorite stores or updates a favorite.
func (s *GormStore) SaveFavorite(ctx context.Context, f domain.Favorite) (domain.Favorite, error) {
	f.ID = ensureID(f.ID)
	model := FavoriteModel{
		ID:         f.ID,
		UserID:     f.UserID,
		BookID:     f.BookID,
		ExternalID: f.ExternalID,
		CreatedAt:  f.CreatedAt,
	}
	if err := s.upsert(ctx, &model, []string{"user_id", "book_id", "external_id"}); err != nil {
		return domain.Favorite{}, err
	}
	return favoriteFromModel(model), nil
}

// ListFavoritesByUser returns favorites of a user.
func (s *GormStore) ListFavoritesByUser(ctx context.Context, userID string) ([]domain.Favorite, error) {
	var models []FavoriteModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return mapSlice(models, favoriteFromModel), nil
}

// SaveReadingProgress stores or updates a progress row.
func (s *GormStore) SaveReadingProgress(ctx context.Context, p domain.ReadingProgress) (domain.ReadingProgress, error) {
	p.ID = ensureID(p.ID)
	model := ReadingProgressModel{
		ID:             p.ID,
		UserID:         p.UserID,
		BookID:         p.BookID,
		ExternalID:     p.ExternalID,
		CurrentChapter: p.CurrentChapter,
		TotalChapters:  p.TotalChapters,
		Progress:       p.Progress,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if err := s.upsert(ctx, &model, []string{"user_id", "book_id", "external_id", "current_chapter", "total_chapters", "progress", "updated_at"}); err != nil {
		return domain.ReadingProgress{}, err
	}
	return progressFromModel(model), nil
}

// ListReadingProgressByUser returns progress rows of a user, most recent first.
func (s *GormStore) ListReadingProgressByUser(ctx context.Context, userID string) ([]domain.ReadingProgress, error) {
	var models []ReadingProgressModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return mapSlice(models, progressFromModel), nil
}

// SaveSnapshot stores the raw JSON for (externalID, key).
func (s *GormStore) SaveSnapshot(ctx context.Context, externalID int64, key string, data []byte) error {
	model := SnapshotModel{
		ExternalID: externalID,
		Key:        key,
		Data:       datatypes.JSON(data),
		UpdatedAt:  time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&model).Error
}

// GetSnapshot returns the raw JSON for (externalID, key).
func (s *GormStore) GetSnapshot(ctx context.Context, externalID int64, key string) ([]byte, bool, error) {
	var model SnapshotModel
	if err := s.db.WithContext(ctx).First(&model, "external_id = ? AND key = ?", externalID, key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(model.Data), true, nil
}

func mapSlice[M any, D any](models []M, fn func(M) D) []D {
	out := make([]D, 0, len(models))
	for _, m := range models {
		out = append(out, fn(m))
	}
	return out
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        strings.ToLower(strings.TrimSpace(u.Email)),
		DisplayName:  u.DisplayName,
		PasswordHash: u.PasswordHash,
		ExternalID:   u.ExternalID,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		DisplayName:  m.DisplayName,
		PasswordHash: m.PasswordHash,
		ExternalID:   m.ExternalID,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		Genre:       b.Genre,
		Status:      string(b.Status),
		CoverURL:    b.CoverURL,
		AuthorID:    b.AuthorID,
		IsPublic:    b.IsPublic,
		Views:       b.Views,
		IsFavorite:  b.IsFavorite,
		Source:      string(b.Source),
		Format:      b.Format,
		Price:       b.Price,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	status := domain.BookStatus(m.Status)
	if status == "" {
		status = domain.StatusDraft
	}
	source := domain.BookSource(m.Source)
	if source == "" {
		source = domain.SourceInternal
	}
	return domain.Book{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Genre:       m.Genre,
		Status:      status,
		CoverURL:    m.CoverURL,
		AuthorID:    m.AuthorID,
		IsPublic:    m.IsPublic,
		Views:       m.Views,
		IsFavorite:  m.IsFavorite,
		Source:      source,
		Format:      m.Format,
		Price:       m.Price,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func chapterToModel(c domain.Chapter) ChapterModel {
	return ChapterModel{
		ID:         c.ID,
		BookID:     c.BookID,
		Title:      c.Title,
		Content:    c.Content,
		OrderIndex: c.OrderIndex,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func chapterFromModel(m ChapterModel) domain.Chapter {
	return domain.Chapter{
		ID:         m.ID,
		BookID:     m.BookID,
		Title:      m.Title,
		Content:    m.Content,
		OrderIndex: m.OrderIndex,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func purchaseFromModel(m PurchaseModel) domain.Purchase {
	return domain.Purchase{
		ID:         m.ID,
		UserID:     m.UserID,
		BookID:     m.BookID,
		ExternalID: m.ExternalID,
		Paid:       m.Paid,
		CreatedAt:  m.CreatedAt,
	}
}

func favoriteFromModel(m FavoriteModel) domain.Favorite {
	return domain.Favorite{
		ID:         m.ID,
		UserID:     m.UserID,
		BookID:     m.BookID,
		ExternalID: m.ExternalID,
		CreatedAt:  m.CreatedAt,
	}
}

func progressFromModel(m ReadingProgressModel) domain.ReadingProgress {
	return domain.ReadingProgress{
		ID:             m.ID,
		UserID:         m.UserID,
		BookID:         m.BookID,
		ExternalID:     m.ExternalID,
		CurrentChapter: m.CurrentChapter,
		TotalChapters:  m.TotalChapters,
		Progress:       m.Progress,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
