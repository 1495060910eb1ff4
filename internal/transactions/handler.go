package transactions

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stockbook/stockbook/internal/platform/httpx"
	"github.com/stockbook/stockbook/internal/shared"
)

// Handler wires HTTP endpoints for all five transaction collections.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

var collections = []struct {
	Path string
	Type Type
}{
	{"/purchases", TypePurchase},
	{"/purchase-returns", TypePurchaseReturn},
	{"/sales", TypeSale},
	{"/sale-returns", TypeSaleReturn},
	{"/damage-returns", TypeDamageReturn},
}

// MountRoutes registers one CRUD collection per transaction kind.
func (h *Handler) MountRoutes(r chi.Router) {
	for _, c := range collections {
		txType := c.Type
		r.Route(c.Path, func(r chi.Router) {
			r.Get("/", h.list(txType))
			r.Post("/", h.create(txType))
			r.Get("/{id}", h.get(txType))
			r.Patch("/{id}", h.update(txType))
			r.Delete("/{id}", h.remove(txType))
		})
	}
}

func (h *Handler) create(txType Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON body")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
			return
		}
		rec, err := h.service.Create(r.Context(), CreateInput{
			Type:                txType,
			Invoice:             req.Invoice,
			CounterpartyName:    req.CounterpartyName,
			CounterpartyContact: req.CounterpartyContact,
			BuyerGST:            req.BuyerGST,
			Lines:               toLineInputs(req.LineItems),
			Actor:               shared.ActorFromContext(r.Context()),
		})
		if err != nil {
			h.respondError(w, "create", txType, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, toResponse(rec))
	}
}

func (h *Handler) update(txType Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		var req updateRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON body")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
			return
		}
		input := UpdateInput{
			ExpectedType:        txType,
			Invoice:             req.Invoice,
			CounterpartyName:    req.CounterpartyName,
			CounterpartyContact: req.CounterpartyContact,
			BuyerGST:            req.BuyerGST,
			Actor:               shared.ActorFromContext(r.Context()),
		}
		if req.LineItems != nil {
			lines := toLineInputs(*req.LineItems)
			input.Lines = &lines
		}
		rec, err := h.service.Update(r.Context(), id, input)
		if err != nil {
			h.respondError(w, "update", txType, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toResponse(rec))
	}
}

func (h *Handler) remove(txType Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		if err := h.service.Delete(r.Context(), id, txType, shared.ActorFromContext(r.Context())); err != nil {
			h.respondError(w, "delete", txType, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"message": "transaction deleted and stock adjusted"})
	}
}

func (h *Handler) get(txType Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		rec, err := h.service.Get(r.Context(), id)
		if err != nil || rec.Type != txType {
			if err != nil && !errors.Is(err, ErrNotFound) {
				h.respondError(w, "get", txType, err)
				return
			}
			httpx.Problem(w, http.StatusNotFound, "Not Found", "transaction not found")
			return
		}
		httpx.JSON(w, http.StatusOK, toResponse(rec))
	}
}

func (h *Handler) list(txType Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		pagination := shared.NewPagination(page, perPage, 0)
		records, total, err := h.service.List(r.Context(), ListFilter{
			Type:    txType,
			Invoice: r.URL.Query().Get("invoice"),
			Limit:   pagination.PerPage,
			Offset:  pagination.Offset(),
		})
		if err != nil {
			h.respondError(w, "list", txType, err)
			return
		}
		items := make([]recordResponse, len(records))
		for i, rec := range records {
			items[i] = toResponse(rec)
		}
		httpx.JSON(w, http.StatusOK, listResponse{
			Items:      items,
			Pagination: shared.NewPagination(pagination.Page, pagination.PerPage, total),
		})
	}
}

func (h *Handler) respondError(w http.ResponseWriter, op string, txType Type, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusBadRequest, "Insufficient Stock", insufficient.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitPrice), errors.Is(err, ErrInvalidType):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrDuplicateInvoice):
		httpx.Problem(w, http.StatusBadRequest, "Duplicate Invoice", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "transaction not found")
	case errors.Is(err, ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Conflict", "stock was modified concurrently, retry the request")
	default:
		h.logger.Error("transaction operation failed",
			slog.String("op", op),
			slog.String("tx_type", string(txType)),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "transaction id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func validationDetail(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fieldErrs[0].Error()
	}
	return "invalid request"
}
