package knowledge

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/service/knowledge"
	"github.com/edumind/backend/pkg/utils"
)

const (
	maxUploadBytes = 8 << 20
	statusReady    = "ready"
)

// Handler 知识库的HTTP处理器
type Handler struct {
	store     knowledge.Store
	extractor knowledge.Extractor
}

// New 创建知识库处理器
func New(store knowledge.Store, extractor knowledge.Extractor) *Handler {
	return &Handler{store: store, extractor: extractor}
}

// RegisterRoutes 注册知识库路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/knowledge", h.handleList)
	r.Post("/knowledge/upload", h.handleUpload)
}

// Item is the listing shape of one knowledge document.
type Item struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Type   string `json:"type"`
	URL    string `json:"url"` // 外部存储地址，纯文本上传为空
	Status string `json:"status"`
}

func itemFrom(doc knowledge.Document) Item {
	return Item{
		ID:     doc.ID,
		Title:  doc.Title,
		Type:   doc.Category,
		Status: statusReady,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	docs, err := h.store.List(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to list knowledge")
		return
	}
	items := make([]Item, 0, len(docs))
	for _, doc := range docs {
		items = append(items, itemFrom(doc))
	}
	utils.RespondJSON(w, http.StatusOK, items)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	text, err := h.extractor.Extract(r.Context(), knowledge.File{
		Name:        header.Filename,
		ContentType: contentType,
		Body:        file,
	})
	if errors.Is(err, knowledge.ErrUnsupportedContent) {
		utils.RespondError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("file", header.Filename).Msg("knowledge extraction failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}

	doc, err := h.store.Add(r.Context(), knowledge.Document{
		Title:    title,
		Category: knowledge.Category(contentType),
		Content:  text,
	})
	if errors.Is(err, knowledge.ErrEmptyDocument) {
		utils.RespondError(w, http.StatusBadRequest, "file has no text content")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to store document")
		return
	}

	log.Info().Str("id", doc.ID).Str("title", doc.Title).Int("bytes", len(text)).Msg("knowledge document added")
	utils.RespondJSON(w, http.StatusCreated, itemFrom(doc))
}
