package transactions

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockbook/stockbook/internal/shared"
)

type lineItemRequest struct {
	ProductKey string           `json:"product_key" validate:"required,max=120"`
	Quantity   int64            `json:"quantity" validate:"required,gt=0"`
	UnitPrice  *decimal.Decimal `json:"unit_price,omitempty"`
}

type createRequest struct {
	Invoice             string            `json:"invoice" validate:"required,max=64"`
	CounterpartyName    string            `json:"counterparty_name" validate:"required,max=200"`
	CounterpartyContact string            `json:"counterparty_contact" validate:"omitempty,max=64"`
	BuyerGST            string            `json:"buyer_gst" validate:"omitempty,max=32"`
	LineItems           []lineItemRequest `json:"line_items" validate:"required,min=1,dive"`
}

type updateRequest struct {
	Invoice             *string            `json:"invoice,omitempty" validate:"omitempty,max=64"`
	CounterpartyName    *string            `json:"counterparty_name,omitempty" validate:"omitempty,max=200"`
	CounterpartyContact *string            `json:"counterparty_contact,omitempty" validate:"omitempty,max=64"`
	BuyerGST            *string            `json:"buyer_gst,omitempty" validate:"omitempty,max=32"`
	LineItems           *[]lineItemRequest `json:"line_items,omitempty" validate:"omitempty,min=1,dive"`
}

type lineItemResponse struct {
	ProductKey string           `json:"product_key"`
	Quantity   int64            `json:"quantity"`
	UnitPrice  *decimal.Decimal `json:"unit_price,omitempty"`
	TotalPrice *decimal.Decimal `json:"total_price,omitempty"`
}

type recordResponse struct {
	ID                  string             `json:"id"`
	Type                Type               `json:"type"`
	Invoice             string             `json:"invoice"`
	CounterpartyName    string             `json:"counterparty_name"`
	CounterpartyContact string             `json:"counterparty_contact,omitempty"`
	BuyerGST            string             `json:"buyer_gst,omitempty"`
	LineItems           []lineItemResponse `json:"line_items"`
	Subtotal            *decimal.Decimal   `json:"subtotal,omitempty"`
	CreatedBy           string             `json:"created_by"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

type listResponse struct {
	Items      []recordResponse  `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

func toLineInputs(reqs []lineItemRequest) []LineInput {
	lines := make([]LineInput, len(reqs))
	for i, req := range reqs {
		lines[i] = LineInput{ProductKey: req.ProductKey, Quantity: req.Quantity, UnitPrice: req.UnitPrice}
	}
	return lines
}

func toResponse(rec Record) recordResponse {
	items := make([]lineItemResponse, len(rec.Lines))
	for i, line := range rec.Lines {
		items[i] = lineItemResponse{
			ProductKey: line.ProductKey,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			TotalPrice: line.TotalPrice,
		}
	}
	return recordResponse{
		ID:                  rec.ID.String(),
		Type:                rec.Type,
		Invoice:             rec.Invoice,
		CounterpartyName:    rec.CounterpartyName,
		CounterpartyContact: rec.CounterpartyContact,
		BuyerGST:            rec.BuyerGST,
		LineItems:           items,
		Subtotal:            rec.Subtotal,
		CreatedBy:           rec.CreatedBy,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}
