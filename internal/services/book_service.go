// internal/services/book_service.go
package services

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"time"

	apperrors "github.com/c4fun/tell-stories-webui/internal/errors"
	"github.com/c4fun/tell-stories-webui/internal/models"
	"github.com/c4fun/tell-stories-webui/internal/storage"
	"github.com/c4fun/tell-stories-webui/internal/utils"
)

const (
	bookRoot     = "book"
	bookFileName = "book.json"
)

// BookContextProvider 为剧情和声优阶段提供前文
type BookContextProvider interface {
	BookContext(ctx context.Context, bookID string) (*models.BookContext, error)
}

// BookService 书籍的 JSON 存储，跨章节累积剧情、角色和声优
type BookService struct {
	store  storage.ArtifactStore
	locks  *LockManager
	logger *utils.Logger
}

// NewBookService 创建书籍服务
func NewBookService(store storage.ArtifactStore, locks *LockManager) *BookService {
	if locks == nil {
		locks = NewLockManager()
	}
	return &BookService{
		store:  store,
		locks:  locks,
		logger: utils.GetLogger(),
	}
}

func bookDir(bookID string) string {
	return path.Join(bookRoot, bookID)
}

func bookLockKey(bookID string) string {
	return "book:" + bookID
}

// CreateBook 创建空书籍，ID 已存在时返回冲突
func (s *BookService) CreateBook(ctx context.Context, req models.BookCreate) (*models.Book, error) {
	if err := ValidateID(req.BookID); err != nil {
		return nil, err
	}

	var book *models.Book
	err := s.locks.ExecuteWithLock(bookLockKey(req.BookID), func() error {
		if s.store.FileExists(bookDir(req.BookID), bookFileName) {
			return apperrors.NewConflictError("书籍已存在: "+req.BookID, nil)
		}

		now := time.Now()
		book = &models.Book{
			BookID:     req.BookID,
			Name:       req.Name,
			Chapters:   models.ChapterList{Chapters: []models.Chapter{}},
			Characters: models.CharactersDict{Dict: map[string]models.CharacterRecord{}},
			Cast:       models.CastList{Cast: []models.CastEntry{}},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return s.save(book)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("书籍已创建", map[string]interface{}{"book_id": req.BookID})
	return book, nil
}

// GetBook 读取书籍
func (s *BookService) GetBook(ctx context.Context, bookID string) (*models.Book, error) {
	if err := ValidateID(bookID); err != nil {
		return nil, err
	}
	return s.load(bookID)
}

// ListBooks 列出所有书籍 ID
func (s *BookService) ListBooks(ctx context.Context) ([]string, error) {
	return s.store.ListDirs(bookRoot)
}

// DeleteBook 删除书籍
func (s *BookService) DeleteBook(ctx context.Context, bookID string) error {
	if err := ValidateID(bookID); err != nil {
		return err
	}
	return s.locks.ExecuteWithLock(bookLockKey(bookID), func() error {
		if err := s.store.DeleteDir(bookDir(bookID)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return apperrors.NewNotFoundError("书籍不存在: "+bookID, err)
			}
			return err
		}
		s.logger.Info("书籍已删除", map[string]interface{}{"book_id": bookID})
		return nil
	})
}

// UpdateBook 更新非空字段
func (s *BookService) UpdateBook(ctx context.Context, bookID string, update models.BookUpdate) (*models.Book, error) {
	return s.modify(bookID, func(book *models.Book) error {
		if update.Name != nil {
			book.Name = *update.Name
		}
		if update.Plot != nil {
			book.Plot = *update.Plot
		}
		if update.Chapters != nil {
			book.Chapters = *update.Chapters
		}
		if update.Characters != nil {
			book.Characters = *update.Characters
		}
		if update.Cast != nil {
			book.Cast = *update.Cast
		}
		return nil
	})
}

// UpdateChapters 只替换章节
func (s *BookService) UpdateChapters(ctx context.Context, bookID string, chapters models.ChapterList) (*models.Book, error) {
	return s.UpdateBook(ctx, bookID, models.BookUpdate{Chapters: &chapters})
}

// UpdateCharacters 只替换角色
func (s *BookService) UpdateCharacters(ctx context.Context, bookID string, characters models.CharactersDict) (*models.Book, error) {
	return s.UpdateBook(ctx, bookID, models.BookUpdate{Characters: &characters})
}

// UpdateCast 只替换声优列表
func (s *BookService) UpdateCast(ctx context.Context, bookID string, cast models.CastList) (*models.Book, error) {
	return s.UpdateBook(ctx, bookID, models.BookUpdate{Cast: &cast})
}

// ProcessNewChapter 把一次剧本处理的剧情和声优合并进书籍
func (s *BookService) ProcessNewChapter(ctx context.Context, bookID, processID string) (*models.Book, error) {
	if err := ValidateID(processID); err != nil {
		return nil, err
	}

	var plotDoc models.PlotDocument
	if err := s.store.LoadJSONFile(processDir(processID), PlotFile, &plotDoc); err != nil {
		return nil, artifactError(PlotFile, err)
	}
	var cast []models.CastEntry
	if err := s.store.LoadJSONFile(processDir(processID), CastFile, &cast); err != nil {
		return nil, artifactError(CastFile, err)
	}

	return s.modify(bookID, func(book *models.Book) error {
		book.Chapters.Chapters = append(book.Chapters.Chapters, models.Chapter{
			ProcessID:  processID,
			Plot:       plotDoc.Plot,
			Characters: plotDoc.Characters,
		})

		newCharacters := book.Characters.Merge(plotDoc.Characters)
		newCast := book.Cast.Merge(cast)

		book.Plot.NSFW = book.Plot.NSFW || plotDoc.Plot.NSFW
		book.Plot.ExplicitSexualContent = book.Plot.ExplicitSexualContent || plotDoc.Plot.ExplicitSexualContent
		if book.Plot.MainPlot == "" {
			book.Plot.MainPlot = plotDoc.Plot.MainPlot
		}
		if book.Plot.DetailedMainPlot == "" {
			book.Plot.DetailedMainPlot = plotDoc.Plot.DetailedMainPlot
		} else if plotDoc.Plot.DetailedMainPlot != "" {
			book.Plot.DetailedMainPlot += "\n\n" + plotDoc.Plot.DetailedMainPlot
		}

		s.logger.Info("新章节已合并", map[string]interface{}{
			"book_id":        bookID,
			"process_id":     processID,
			"chapters":       len(book.Chapters.Chapters),
			"new_characters": newCharacters,
			"new_cast":       newCast,
		})
		return nil
	})
}

// BookContext 返回前文剧情、已有角色和声优
func (s *BookService) BookContext(ctx context.Context, bookID string) (*models.BookContext, error) {
	book, err := s.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	return &models.BookContext{
		PreviousPlot: book.Plot.DetailedMainPlot,
		Characters:   book.Characters,
		Cast:         book.Cast.Cast,
	}, nil
}

// modify 在书籍锁内读取、修改并保存
func (s *BookService) modify(bookID string, fn func(book *models.Book) error) (*models.Book, error) {
	if err := ValidateID(bookID); err != nil {
		return nil, err
	}

	var book *models.Book
	err := s.locks.ExecuteWithLock(bookLockKey(bookID), func() error {
		loaded, err := s.load(bookID)
		if err != nil {
			return err
		}
		if err := fn(loaded); err != nil {
			return err
		}
		loaded.UpdatedAt = time.Now()
		book = loaded
		return s.save(loaded)
	})
	if err != nil {
		return nil, err
	}
	return book, nil
}

func (s *BookService) load(bookID string) (*models.Book, error) {
	var book models.Book
	if err := s.store.LoadJSONFile(bookDir(bookID), bookFileName, &book); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NewNotFoundError("书籍不存在: "+bookID, err)
		}
		return nil, apperrors.NewProcessingError("读取书籍失败", err)
	}
	return &book, nil
}

// save 保存前同步各列表的计数
func (s *BookService) save(book *models.Book) error {
	book.Chapters.Count = len(book.Chapters.Chapters)
	book.Characters.Count = len(book.Characters.Dict)
	book.Cast.Count = len(book.Cast.Cast)

	if err := s.store.SaveJSONFile(bookDir(book.BookID), bookFileName, book); err != nil {
		return apperrors.NewProcessingError("保存书籍失败", err)
	}
	return nil
}
