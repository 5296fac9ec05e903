package server

import (
	"net/http"

	"syncstream/core/catalog"
	"syncstream/logger"
)

// SearchHandler 曲目搜索
type SearchHandler struct {
	catalog *catalog.Catalog
}

// NewSearchHandler catalog 为 nil 时搜索总是返回空数组
func NewSearchHandler(c *catalog.Catalog) *SearchHandler {
	return &SearchHandler{catalog: c}
}

// HandleSearch GET /api/music/search?q=，任何失败都返回空数组
func (h *SearchHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" || h.catalog == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}

	tracks := h.catalog.Search(r.Context(), query).All()
	logger.Debug("搜索完成", logger.String("query", query), logger.Int("count", len(tracks)))
	writeJSON(w, http.StatusOK, tracks)
}
