package domain

import (
	"encoding/json"
	"time"
)

type Product struct {
	ID               string     `json:"id"`
	Code             string     `json:"code"`
	Name             string     `json:"name"`
	UnitPriceCents   int64      `json:"unit_price_cents"`
	QuantityOnHand   int        `json:"quantity_on_hand"`
	MinimumThreshold int        `json:"minimum_threshold"`
	Perishable       bool       `json:"perishable"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Active           bool       `json:"active"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// BelowThreshold reports whether the product needs restocking.
func (p Product) BelowThreshold() bool {
	return p.Active && p.QuantityOnHand < p.MinimumThreshold
}

type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

var SystemActor = Actor{ID: "system", Name: "system", Role: RoleSystem}

type CartLine struct {
	ProductID         string `json:"product_id"`
	ProductName       string `json:"product_name"`
	Quantity          int    `json:"quantity"`
	UnitPriceCents    int64  `json:"unit_price_cents"`
	LineSubtotalCents int64  `json:"line_subtotal_cents"`
}

type CartSnapshot struct {
	ID            string     `json:"id"`
	Lines         []CartLine `json:"lines"`
	SubtotalCents int64      `json:"subtotal_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TotalCents    int64      `json:"total_cents"`
	PaymentMethod string     `json:"payment_method"`
	CustomerID    string     `json:"customer_id,omitempty"`
}

type SaleLine struct {
	ProductID         string `json:"product_id"`
	ProductName       string `json:"product_name"`
	Quantity          int    `json:"quantity"`
	UnitPriceCents    int64  `json:"unit_price_cents"`
	LineSubtotalCents int64  `json:"line_subtotal_cents"`
	StockAtSale       int    `json:"stock_at_sale"`
}

type Sale struct {
	ID                     string     `json:"id"`
	Sequence               int64      `json:"sequence"`
	SellerID               string     `json:"seller_id"`
	CustomerID             string     `json:"customer_id,omitempty"`
	Lines                  []SaleLine `json:"lines"`
	SubtotalCents          int64      `json:"subtotal_cents"`
	DiscountCents          int64      `json:"discount_cents"`
	TotalCents             int64      `json:"total_cents"`
	PaymentMethod          string     `json:"payment_method"`
	Status                 string     `json:"status"`
	ReturnsAdjustmentCents int64      `json:"returns_adjustment_cents"`
	CancelReason           string     `json:"cancel_reason,omitempty"`
	CancelledAt            *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

// Units is the number of items sold across all lines.
func (s Sale) Units() int {
	units := 0
	for _, line := range s.Lines {
		units += line.Quantity
	}
	return units
}

type ReturnLine struct {
	ProductID                 string `json:"product_id"`
	Quantity                  int    `json:"quantity"`
	OriginalUnitPriceCents    int64  `json:"original_unit_price_cents"`
	Reason                    string `json:"reason,omitempty"`
	ReplacementProductID      string `json:"replacement_product_id,omitempty"`
	ReplacementUnitPriceCents int64  `json:"replacement_unit_price_cents,omitempty"`
	AdjustmentCents           int64  `json:"adjustment_cents"`
}

// Priced sets the original unit price and recomputes the line's effect: a
// refund of price times quantity, or the price difference for an exchange.
func (l ReturnLine) Priced(kind string, originalUnitPriceCents int64) ReturnLine {
	l.OriginalUnitPriceCents = originalUnitPriceCents
	qty := int64(l.Quantity)
	if kind == ReturnKindExchange {
		l.AdjustmentCents = (l.ReplacementUnitPriceCents - originalUnitPriceCents) * qty
		return l
	}
	l.AdjustmentCents = -originalUnitPriceCents * qty
	return l
}

type ReturnExchangeRecord struct {
	ID                   string       `json:"id"`
	Kind                 string       `json:"kind"`
	OriginalSaleID       string       `json:"original_sale_id,omitempty"`
	Lines                []ReturnLine `json:"lines"`
	TotalAdjustmentCents int64        `json:"total_adjustment_cents"`
	ProcessedBy          string       `json:"processed_by"`
	Status               string       `json:"status"`
	CreatedAt            time.Time    `json:"created_at"`
}

type UnsoldProduct struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	QuantityOnHand int    `json:"quantity_on_hand"`
}

type ReorderSuggestion struct {
	ProductID        string `json:"product_id"`
	Name             string `json:"name"`
	QuantityOnHand   int    `json:"quantity_on_hand"`
	MinimumThreshold int    `json:"minimum_threshold"`
	TargetLevel      int    `json:"target_level"`
	SuggestedQty     int    `json:"suggested_qty"`
}

type RouteClosure struct {
	ID                 string              `json:"id"`
	SellerID           string              `json:"seller_id"`
	BusinessDate       string              `json:"business_date"`
	TotalSalesCount    int                 `json:"total_sales_count"`
	TotalRevenueCents  int64               `json:"total_revenue_cents"`
	TotalUnitsSold     int                 `json:"total_units_sold"`
	UnsoldProducts     []UnsoldProduct     `json:"unsold_products"`
	ReorderSuggestions []ReorderSuggestion `json:"reorder_suggestions"`
	Status             string              `json:"status"`
	Notes              string              `json:"notes,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

type BankDeposit struct {
	ID                   string     `json:"id"`
	SellerID             string     `json:"seller_id"`
	BusinessDate         string     `json:"business_date"`
	DepositedAmountCents int64      `json:"deposited_amount_cents"`
	BankAccount          string     `json:"bank_account"`
	ReferenceCode        string     `json:"reference_code"`
	ExpectedAmountCents  int64      `json:"expected_amount_cents"`
	VarianceCents        int64      `json:"variance_cents"`
	Flagged              bool       `json:"flagged"`
	Justification        string     `json:"justification,omitempty"`
	ReceiptRef           string     `json:"receipt_ref,omitempty"`
	Status               string     `json:"status"`
	ReviewedBy           string     `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

type ManagerApproval struct {
	ManagerID  string    `json:"manager_id"`
	ApprovedAt time.Time `json:"approved_at"`
	Notes      string    `json:"notes,omitempty"`
}

type Reconciliation struct {
	ID                  string           `json:"id"`
	SellerID            string           `json:"seller_id"`
	BusinessDate        string           `json:"business_date"`
	RouteClosureID      string           `json:"route_closure_id"`
	BankDepositID       string           `json:"bank_deposit_id"`
	ExpectedAmountCents int64            `json:"expected_amount_cents"`
	ActualAmountCents   int64            `json:"actual_amount_cents"`
	VarianceCents       int64            `json:"variance_cents"`
	ToleranceCents      int64            `json:"tolerance_cents"`
	Status              string           `json:"status"`
	ManagerApproval     *ManagerApproval `json:"manager_approval,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

type AuditEntry struct {
	ID          string          `json:"id"`
	Sequence    int64           `json:"sequence"`
	Actor       Actor           `json:"actor"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Details     string          `json:"details,omitempty"`
	OldSnapshot json.RawMessage `json:"old_snapshot,omitempty"`
	NewSnapshot json.RawMessage `json:"new_snapshot,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	From       time.Time
	To         time.Time
	Limit      int
}

const (
	RoleSeller  = "seller"
	RoleManager = "manager"
	RoleAdmin   = "admin"
	RoleSystem  = "system"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
	PaymentCredit   = "credit"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
	SaleStatusPending   = "pending"
)

const (
	ReturnKindReturn   = "return"
	ReturnKindExchange = "exchange"
)

const (
	ReturnStatusPending   = "pending"
	ReturnStatusProcessed = "processed"
	ReturnStatusCancelled = "cancelled"
)

const (
	ClosureStatusPending   = "pending"
	ClosureStatusCompleted = "completed"
	ClosureStatusApproved  = "approved"
)

const (
	DepositStatusPending  = "pending"
	DepositStatusVerified = "verified"
	DepositStatusApproved = "approved"
	DepositStatusRejected = "rejected"
)

const (
	ReconciliationStatusPending         = "pending"
	ReconciliationStatusReconciled      = "reconciled"
	ReconciliationStatusWithDifferences = "with_differences"
	ReconciliationStatusApproved        = "approved"
)

// IsSupportedPaymentMethod reports whether method is one of the accepted tenders.
func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentCredit:
		return true
	}
	return false
}
