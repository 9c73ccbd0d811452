package domain

// AdjustmentCommand is a returns/exchange batch. The only implementations are
// ReturnCommand and ExchangeCommand, so an exchange line always carries its
// replacement.
type AdjustmentCommand interface {
	Kind() string
	SaleID() string
	Lines() []ReturnLine
	adjustment()
}

type RefundItem struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Reason         string `json:"reason,omitempty"`
}

type ExchangeItem struct {
	ProductID                 string `json:"product_id"`
	Quantity                  int    `json:"quantity"`
	UnitPriceCents            int64  `json:"unit_price_cents"`
	Reason                    string `json:"reason,omitempty"`
	ReplacementProductID      string `json:"replacement_product_id"`
	ReplacementUnitPriceCents int64  `json:"replacement_unit_price_cents"`
}

type ReturnCommand struct {
	OriginalSaleID string
	Items          []RefundItem
}

func (ReturnCommand) Kind() string     { return ReturnKindReturn }
func (c ReturnCommand) SaleID() string { return c.OriginalSaleID }
func (ReturnCommand) adjustment()      {}

// Lines refunds each item: the effect is minus price times quantity. When the
// batch is linked to a sale the store reprices each line from that sale.
func (c ReturnCommand) Lines() []ReturnLine {
	lines := make([]ReturnLine, 0, len(c.Items))
	for _, item := range c.Items {
		line := ReturnLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Reason:    item.Reason,
		}
		lines = append(lines, line.Priced(ReturnKindReturn, item.UnitPriceCents))
	}
	return lines
}

type ExchangeCommand struct {
	OriginalSaleID string
	Items          []ExchangeItem
}

func (ExchangeCommand) Kind() string     { return ReturnKindExchange }
func (c ExchangeCommand) SaleID() string { return c.OriginalSaleID }
func (ExchangeCommand) adjustment()      {}

// Lines prices each swap as (replacement - original) * quantity, which may be
// negative when the customer takes a cheaper product.
func (c ExchangeCommand) Lines() []ReturnLine {
	lines := make([]ReturnLine, 0, len(c.Items))
	for _, item := range c.Items {
		line := ReturnLine{
			ProductID:                 item.ProductID,
			Quantity:                  item.Quantity,
			Reason:                    item.Reason,
			ReplacementProductID:      item.ReplacementProductID,
			ReplacementUnitPriceCents: item.ReplacementUnitPriceCents,
		}
		lines = append(lines, line.Priced(ReturnKindExchange, item.UnitPriceCents))
	}
	return lines
}

type ProductInput struct {
	ID               string `json:"id"`
	Code             string `json:"code" validate:"required"`
	Name             string `json:"name" validate:"required"`
	UnitPriceCents   int64  `json:"unit_price_cents" validate:"gte=0"`
	QuantityOnHand   int    `json:"quantity_on_hand" validate:"gte=0"`
	MinimumThreshold int    `json:"minimum_threshold" validate:"gte=0"`
	Perishable       bool   `json:"perishable"`
	ExpiresAt        string `json:"expires_at,omitempty"`
	Active           bool   `json:"active"`
}

type DepositCommand struct {
	SellerID      string
	BusinessDate  string
	AmountCents   int64
	BankAccount   string
	ReferenceCode string
	Justification string
	ReceiptRef    string
}
