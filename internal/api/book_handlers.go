// internal/api/book_handlers.go
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/c4fun/tell-stories-webui/internal/models"
)

// 书籍相关处理器
// ----------------------------------------

// CreateBook 创建书籍
func (h *Handler) CreateBook(c *gin.Context) {
	var req models.BookCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的书籍数据", err.Error())
		return
	}

	book, err := h.Books.CreateBook(c.Request.Context(), req)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Created(c, book)
}

// ListBooks 列出全部书籍 ID
func (h *Handler) ListBooks(c *gin.Context) {
	ids, err := h.Books.ListBooks(c.Request.Context())
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"count": len(ids), "books": ids})
}

// GetBook 获取书籍
func (h *Handler) GetBook(c *gin.Context) {
	book, err := h.Books.GetBook(c.Request.Context(), c.Param("book_id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, book)
}

// UpdateBook 部分更新书籍
func (h *Handler) UpdateBook(c *gin.Context) {
	var update models.BookUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		h.Response.BadRequest(c, "无效的书籍数据", err.Error())
		return
	}

	book, err := h.Books.UpdateBook(c.Request.Context(), c.Param("book_id"), update)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, book, "书籍已更新")
}

// DeleteBook 删除书籍
func (h *Handler) DeleteBook(c *gin.Context) {
	bookID := c.Param("book_id")
	if err := h.Books.DeleteBook(c.Request.Context(), bookID); err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"book_id": bookID}, "书籍已删除")
}

// UpdateChapters 替换章节列表
func (h *Handler) UpdateChapters(c *gin.Context) {
	var chapters models.ChapterList
	if err := c.ShouldBindJSON(&chapters); err != nil {
		h.Response.BadRequest(c, "无效的章节数据", err.Error())
		return
	}

	book, err := h.Books.UpdateChapters(c.Request.Context(), c.Param("book_id"), chapters)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, book)
}

// UpdateCharacters 替换角色字典
func (h *Handler) UpdateCharacters(c *gin.Context) {
	var characters models.CharactersDict
	if err := c.ShouldBindJSON(&characters); err != nil {
		h.Response.BadRequest(c, "无效的角色数据", err.Error())
		return
	}

	book, err := h.Books.UpdateCharacters(c.Request.Context(), c.Param("book_id"), characters)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, book)
}

// UpdateCast 替换声优列表
func (h *Handler) UpdateCast(c *gin.Context) {
	var cast models.CastList
	if err := c.ShouldBindJSON(&cast); err != nil {
		h.Response.BadRequest(c, "无效的声优数据", err.Error())
		return
	}

	book, err := h.Books.UpdateCast(c.Request.Context(), c.Param("book_id"), cast)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, book)
}

// ProcessNewChapter 把处理完成的章节合并进书籍
func (h *Handler) ProcessNewChapter(c *gin.Context) {
	book, err := h.Books.ProcessNewChapter(c.Request.Context(), c.Param("book_id"), c.Param("project_id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, book, "章节已合并")
}
