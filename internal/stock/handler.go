package stock

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stockbook/stockbook/internal/platform/httpx"
	"github.com/stockbook/stockbook/internal/shared"
)

// Handler serves the materialized stock view.
type Handler struct {
	logger *slog.Logger
	reader Reader
}

// NewHandler constructs a Handler backed by the given Reader, which may
// be the repository directly or the Redis cache in front of it.
func NewHandler(logger *slog.Logger, reader Reader) *Handler {
	return &Handler{logger: logger, reader: reader}
}

// MountRoutes registers the stock endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stock", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{productKey}", h.get)
	})
}

type listResponse struct {
	Items      []Entry           `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	pagination := shared.NewPagination(page, perPage, 0)
	entries, total, err := h.reader.List(r.Context(), pagination.PerPage, pagination.Offset())
	if err != nil {
		h.logger.Error("stock listing failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{
		Items:      entries,
		Pagination: shared.NewPagination(pagination.Page, pagination.PerPage, total),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	productKey := chi.URLParam(r, "productKey")
	entry, err := h.reader.Get(r.Context(), productKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no stock recorded for product")
			return
		}
		h.logger.Error("stock lookup failed",
			slog.String("product_key", productKey),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}
