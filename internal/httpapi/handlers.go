package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/money"
	"routecash/backend/internal/service"
)

type addLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
}

type updateQtyRequest struct {
	Quantity int `json:"quantity" validate:"gte=1"`
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type paymentRequest struct {
	Method string `json:"method" validate:"required"`
}

type customerRequest struct {
	CustomerID string `json:"customer_id"`
}

type cancelSaleRequest struct {
	Reason string `json:"reason"`
}

type returnItemRequest struct {
	ProductID            string `json:"product_id" validate:"required"`
	Quantity             int    `json:"quantity" validate:"gte=1"`
	UnitPrice            string `json:"unit_price" validate:"required"`
	Reason               string `json:"reason"`
	ReplacementProductID string `json:"replacement_product_id"`
	ReplacementUnitPrice string `json:"replacement_unit_price"`
}

type returnRequest struct {
	Kind           string              `json:"kind" validate:"required,oneof=return exchange"`
	OriginalSaleID string              `json:"original_sale_id"`
	Items          []returnItemRequest `json:"items" validate:"required,min=1,dive"`
}

type routeDayRequest struct {
	SellerID     string `json:"seller_id"`
	BusinessDate string `json:"business_date" validate:"required,datetime=2006-01-02"`
}

type depositRequest struct {
	SellerID      string `json:"seller_id"`
	BusinessDate  string `json:"business_date" validate:"required,datetime=2006-01-02"`
	Amount        string `json:"amount" validate:"required"`
	BankAccount   string `json:"bank_account" validate:"required"`
	ReferenceCode string `json:"reference_code" validate:"required"`
	Justification string `json:"justification"`
	ReceiptRef    string `json:"receipt_ref"`
}

type reviewRequest struct {
	Status string `json:"status" validate:"required,oneof=verified rejected"`
}

type approveRequest struct {
	Notes string `json:"notes"`
}

type productRequest struct {
	ID               string `json:"id"`
	Code             string `json:"code" validate:"required"`
	Name             string `json:"name" validate:"required"`
	UnitPrice        string `json:"unit_price" validate:"required"`
	QuantityOnHand   int    `json:"quantity_on_hand" validate:"gte=0"`
	MinimumThreshold int    `json:"minimum_threshold" validate:"gte=0"`
	Perishable       bool   `json:"perishable"`
	ExpiresAt        string `json:"expires_at" validate:"omitempty,datetime=2006-01-02"`
	Active           *bool  `json:"active"`
}

type restockRequest struct {
	Quantity int `json:"quantity" validate:"gte=1"`
}

// sellerOrActor defaults an omitted seller id to the caller.
func sellerOrActor(r *http.Request, sellerID string) string {
	sellerID = strings.TrimSpace(sellerID)
	if sellerID != "" {
		return sellerID
	}
	actor, _ := service.ActorFromContext(r.Context())
	return actor.ID
}

func parseAmount(w http.ResponseWriter, field string, raw string) (int64, bool) {
	cents, err := money.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s: %w", field, err))
		return 0, false
	}
	return cents, true
}

// Carts

func (a *API) handleNewCart(w http.ResponseWriter, r *http.Request) {
	cart, err := a.service.NewCart(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cart.Snapshot())
}

func (a *API) cart(w http.ResponseWriter, r *http.Request) (*service.Cart, bool) {
	cart, err := a.service.Cart(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		a.writeServiceError(w, err)
		return nil, false
	}
	return cart, true
}

func (a *API) handleGetCart(w http.ResponseWriter, r *http.Request) {
	cart, ok := a.cart(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cart.Snapshot())
}

func (a *API) handleDiscardCart(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DiscardCart(r.Context(), chi.URLParam(r, "cartID")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	cart, ok := a.cart(w, r)
	if !ok {
		return
	}
	var req addLineRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	a.writeCart(w, func() (domain.CartSnapshot, error) {
		return cart.AddLine(r.Context(), req.ProductID, req.Quantity)
	})
}

func (a *API) handleUpdateQty(w http.ResponseWriter, r *http.Request) {
	cart, ok := a.cart(w, r)
	if !ok {
		return
	}
	var req updateQtyRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	a.writeCart(w, func() (domain.CartSnapshot, error) {
		return cart.UpdateQty(r.Context(), chi.URLParam(r, "productID"), req.Quantity)
	})
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	cart, ok := a.cart(w, r)
	if !ok {
		return
	}
	a.writeCart(w, func() (domain.CartSnapshot, error) {
		return cart.RemoveLine(r.Context(), chi.URLParam(r, "productID"))
	})
}

func (a *API) handleSetDiscount(w http.ResponseWriter, r *http.Request) {
	cart, ok := a.cart(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	cents, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	a.writeCart(w, func() (domain.CartSnapshot, error) {
		return cart.SetDiscount(r.Context(), cents)
	})
}

func (a *API) handleSetPayment(w http.ResponseWriter, r *http.Request) {
	cart, ok := a.cart(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	a.writeCart(w, func() (domain.CartSnapshot, error) {
		return cart.SetPaymentMethod(r.Context(), req.Method)
	})
}

func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	cart, ok := a.cart(w, r)
	if !ok {
		return
	}
	var req customerRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	a.writeCart(w, func() (domain.CartSnapshot, error) {
		return cart.SetCustomer(r.Context(), req.CustomerID)
	})
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	cart, ok := a.cart(w, r)
	if !ok {
		return
	}
	a.writeCart(w, func() (domain.CartSnapshot, error) {
		return cart.Clear(r.Context())
	})
}

func (a *API) writeCart(w http.ResponseWriter, op func() (domain.CartSnapshot, error)) {
	snapshot, err := op()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Sales and returns

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.Finalize(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleCancelSale(w http.ResponseWriter, r *http.Request) {
	var req cancelSaleRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	if !a.checkManagerPIN(w, r) {
		return
	}
	sale, err := a.service.CancelSale(r.Context(), chi.URLParam(r, "saleID"), req.Reason)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleProcessReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	var cmd domain.AdjustmentCommand
	switch req.Kind {
	case domain.ReturnKindExchange:
		exchange := domain.ExchangeCommand{OriginalSaleID: strings.TrimSpace(req.OriginalSaleID)}
		for i, item := range req.Items {
			if strings.TrimSpace(item.ReplacementProductID) == "" {
				writeError(w, http.StatusBadRequest, fmt.Errorf("items[%d]: replacement_product_id is required for an exchange", i))
				return
			}
			price, ok := parseAmount(w, fmt.Sprintf("items[%d].unit_price", i), item.UnitPrice)
			if !ok {
				return
			}
			replacementPrice, ok := parseAmount(w, fmt.Sprintf("items[%d].replacement_unit_price", i), item.ReplacementUnitPrice)
			if !ok {
				return
			}
			exchange.Items = append(exchange.Items, domain.ExchangeItem{
				ProductID:                 item.ProductID,
				Quantity:                  item.Quantity,
				UnitPriceCents:            price,
				Reason:                    item.Reason,
				ReplacementProductID:      item.ReplacementProductID,
				ReplacementUnitPriceCents: replacementPrice,
			})
		}
		cmd = exchange
	default:
		refund := domain.ReturnCommand{OriginalSaleID: strings.TrimSpace(req.OriginalSaleID)}
		for i, item := range req.Items {
			price, ok := parseAmount(w, fmt.Sprintf("items[%d].unit_price", i), item.UnitPrice)
			if !ok {
				return
			}
			refund.Items = append(refund.Items, domain.RefundItem{
				ProductID:      item.ProductID,
				Quantity:       item.Quantity,
				UnitPriceCents: price,
				Reason:         item.Reason,
			})
		}
		cmd = refund
	}

	record, err := a.service.ProcessReturn(r.Context(), cmd)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// Route closure, deposits and reconciliation

func (a *API) handleCloseRoute(w http.ResponseWriter, r *http.Request) {
	var req routeDayRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	closure, err := a.service.CloseRoute(r.Context(), sellerOrActor(r, req.SellerID), req.BusinessDate)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, closure)
}

func (a *API) handleGetClosure(w http.ResponseWriter, r *http.Request) {
	closure, err := a.service.FindRouteClosure(r.Context(), chi.URLParam(r, "sellerID"), chi.URLParam(r, "businessDate"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closure)
}

func (a *API) handleCloseBusinessDay(w http.ResponseWriter, r *http.Request) {
	var req routeDayRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	closed, err := a.service.CloseBusinessDay(r.Context(), req.BusinessDate)
	if err != nil && len(closed) == 0 {
		a.writeServiceError(w, err)
		return
	}
	payload := map[string]any{"closures": closed}
	if err != nil {
		payload["errors"] = err.Error()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) handleRegisterDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	cents, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	deposit, err := a.service.RegisterDeposit(r.Context(), domain.DepositCommand{
		SellerID:      sellerOrActor(r, req.SellerID),
		BusinessDate:  req.BusinessDate,
		AmountCents:   cents,
		BankAccount:   req.BankAccount,
		ReferenceCode: req.ReferenceCode,
		Justification: req.Justification,
		ReceiptRef:    req.ReceiptRef,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deposit)
}

func (a *API) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	sellerID := r.URL.Query().Get("seller_id")
	actor, _ := service.ActorFromContext(r.Context())
	if actor.Role == domain.RoleSeller {
		sellerID = actor.ID
	}
	deposits, err := a.service.ListDeposits(r.Context(), sellerID, r.URL.Query().Get("business_date"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": deposits})
}

func (a *API) handleReviewDeposit(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	deposit, err := a.service.ReviewDeposit(r.Context(), chi.URLParam(r, "depositID"), req.Status)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deposit)
}

func (a *API) handleCreateReconciliation(w http.ResponseWriter, r *http.Request) {
	var req routeDayRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	rec, err := a.service.CreateReconciliation(r.Context(), sellerOrActor(r, req.SellerID), req.BusinessDate)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleGetReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := a.service.GetReconciliation(r.Context(), chi.URLParam(r, "reconciliationID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleApproveReconciliation(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	if !a.checkManagerPIN(w, r) {
		return
	}
	rec, err := a.service.ApproveReconciliation(r.Context(), chi.URLParam(r, "reconciliationID"), req.Notes)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Catalogue

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleUpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	price, ok := parseAmount(w, "unit_price", req.UnitPrice)
	if !ok {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	product, err := a.service.UpsertProduct(r.Context(), domain.ProductInput{
		ID:               req.ID,
		Code:             req.Code,
		Name:             req.Name,
		UnitPriceCents:   price,
		QuantityOnHand:   req.QuantityOnHand,
		MinimumThreshold: req.MinimumThreshold,
		Perishable:       req.Perishable,
		ExpiresAt:        req.ExpiresAt,
		Active:           active,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req restockRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	product, err := a.service.RestockProduct(r.Context(), chi.URLParam(r, "productID"), req.Quantity)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// Reports and audit

func (a *API) handleSalesReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := a.reports.SalesByPeriod(r.Context(), q.Get("seller_id"), q.Get("from"), q.Get("to"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleProductReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metrics, err := a.reports.ProductMetrics(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": metrics})
}

func (a *API) handleReconciliationReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	summary, err := a.reports.ReconciliationSummary(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := a.service.ListAudit(r.Context(), domain.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor_id"),
		Limit:      parsePositiveLimit(q.Get("limit"), 200, 500),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
