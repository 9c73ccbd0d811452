package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/identity"
	"routecash/backend/internal/lock"
	"routecash/backend/internal/reporting"
	"routecash/backend/internal/service"
	"routecash/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	reports       *reporting.Service
	verifier      *identity.Verifier
	pins          *identity.PINGuard
	validate      *validator.Validate
	allowedOrigin string
	logger        *zap.Logger
}

// New wires the HTTP surface. pins may be nil, in which case sensitive
// approvals are not PIN gated.
func New(svc *service.Service, reports *reporting.Service, verifier *identity.Verifier, pins *identity.PINGuard, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		reports:       reports,
		verifier:      verifier,
		pins:          pins,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		allowedOrigin: allowedOrigin,
		logger:        logger,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		sellers := []string{domain.RoleSeller, domain.RoleManager, domain.RoleAdmin}
		managers := []string{domain.RoleManager, domain.RoleAdmin}

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(sellers...))

			r.Get("/products", a.handleListProducts)
			r.Get("/products/{productID}", a.handleGetProduct)

			r.Post("/carts", a.handleNewCart)
			r.Route("/carts/{cartID}", func(r chi.Router) {
				r.Get("/", a.handleGetCart)
				r.Delete("/", a.handleDiscardCart)
				r.Post("/lines", a.handleAddLine)
				r.Patch("/lines/{productID}", a.handleUpdateQty)
				r.Delete("/lines/{productID}", a.handleRemoveLine)
				r.Put("/discount", a.handleSetDiscount)
				r.Put("/payment", a.handleSetPayment)
				r.Put("/customer", a.handleSetCustomer)
				r.Post("/clear", a.handleClearCart)
				r.Post("/finalize", a.handleFinalize)
			})

			r.Get("/sales/{saleID}", a.handleGetSale)
			r.Post("/returns", a.handleProcessReturn)

			r.Post("/closures", a.handleCloseRoute)
			r.Get("/closures/{sellerID}/{businessDate}", a.handleGetClosure)

			r.Post("/deposits", a.handleRegisterDeposit)
			r.Get("/deposits", a.handleListDeposits)

			r.Post("/reconciliations", a.handleCreateReconciliation)
			r.Get("/reconciliations/{reconciliationID}", a.handleGetReconciliation)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(managers...))

			r.Post("/products", a.handleUpsertProduct)
			r.Post("/products/{productID}/restock", a.handleRestock)
			r.Post("/sales/{saleID}/cancel", a.handleCancelSale)
			r.Post("/closures/close-day", a.handleCloseBusinessDay)

			r.Get("/reports/sales", a.handleSalesReport)
			r.Get("/reports/products", a.handleProductReport)
			r.Get("/reports/reconciliations", a.handleReconciliationReport)
			r.Get("/audit", a.handleAudit)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleManager))

			r.Post("/deposits/{depositID}/review", a.handleReviewDeposit)
			r.Post("/reconciliations/{reconciliationID}/approve", a.handleApproveReconciliation)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			actor, err := a.verifier.Parse(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// checkManagerPIN enforces the X-Manager-PIN header on sensitive approvals.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request) bool {
	if a.pins == nil || !a.pins.Enabled() {
		return true
	}
	actor, _ := service.ActorFromContext(r.Context())
	err := a.pins.Check(actor.ID, r.Header.Get("X-Manager-PIN"))
	switch {
	case err == nil:
		return true
	case errors.Is(err, identity.ErrPINLocked):
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
	default:
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
	}
	return false
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Manager-PIN")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(startedAt)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

// decodeAndValidate reads a JSON body into dest and runs its validate tags.
// It writes the error response itself and reports whether to continue.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return false
		}
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "invalid request",
				"fields": fields,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	// An empty body decodes as an empty object so optional-only requests
	// need no payload.
	if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateKey),
		errors.Is(err, store.ErrDuplicateReconciliation),
		errors.Is(err, store.ErrStateTransition),
		errors.Is(err, store.ErrStockConflict),
		errors.Is(err, lock.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrEmptyCart),
		errors.Is(err, store.ErrNothingToClose),
		errors.Is(err, store.ErrMissingClosure),
		errors.Is(err, store.ErrMissingDeposit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses never echo internal details.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
