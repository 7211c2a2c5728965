package http

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
	"github.com/vladislavdragonenkov/subplat/internal/service/cart"
)

// Handler публикует операции cart-сервиса как JSON API.
type Handler struct {
	carts    cart.Service
	timeline domain.TimelineRepository
	logger   *log.Entry
}

// NewHandler создаёт HTTP-обработчик поверх cart-сервиса.
func NewHandler(carts cart.Service, timeline domain.TimelineRepository, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "http")
	}
	return &Handler{
		carts:    carts,
		timeline: timeline,
		logger:   logger,
	}
}

// Routes собирает маршруты API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Route("/v1/carts", func(r chi.Router) {
		r.Post("/", h.setupCart)
		r.Route("/{cartID}", func(r chi.Router) {
			r.Get("/", h.getCart)
			r.Patch("/", h.updateCart)
			r.Post("/restart", h.restartCart)
			r.Get("/success", h.getSuccessCart)
			r.Post("/checkout/stripe", h.checkoutStripe)
			r.Post("/checkout/paypal", h.checkoutPaypal)
			r.Get("/needs-input", h.getNeedsInput)
			r.Post("/needs-input", h.submitNeedsInput)
			r.Post("/error", h.finalizeWithError)
			r.Get("/history", h.history)
		})
	})
	return r
}

type setupCartRequest struct {
	UID              string `json:"uid"`
	Email            string `json:"email"`
	OfferingConfigID string `json:"offering_config_id"`
	Interval         string `json:"interval"`
	CouponCode       string `json:"coupon_code,omitempty"`
}

type updateCartRequest struct {
	Version    int64              `json:"version"`
	UID        *string            `json:"uid,omitempty"`
	Email      *string            `json:"email,omitempty"`
	CouponCode *string            `json:"coupon_code,omitempty"`
	TaxAddress *taxAddressPayload `json:"tax_address,omitempty"`
}

type checkoutStripeRequest struct {
	Version             int64  `json:"version"`
	ConfirmationTokenID string `json:"confirmation_token_id"`
	Locale              string `json:"locale,omitempty"`
	DisplayName         string `json:"display_name,omitempty"`
}

type checkoutPaypalRequest struct {
	Version     int64  `json:"version"`
	Token       string `json:"token"`
	Locale      string `json:"locale,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type finalizeErrorRequest struct {
	Reason string `json:"reason"`
}

type taxAddressPayload struct {
	CountryCode string `json:"country_code"`
	PostalCode  string `json:"postal_code"`
}

type cartPayload struct {
	ID                   string             `json:"id"`
	State                string             `json:"state"`
	UID                  string             `json:"uid,omitempty"`
	Email                string             `json:"email,omitempty"`
	OfferingConfigID     string             `json:"offering_config_id"`
	Interval             string             `json:"interval"`
	Amount               int64              `json:"amount"`
	Currency             string             `json:"currency"`
	CouponCode           string             `json:"coupon_code,omitempty"`
	TaxAddress           *taxAddressPayload `json:"tax_address,omitempty"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	EligibilityStatus    string             `json:"eligibility_status"`
	ErrorReasonID        string             `json:"error_reason_id,omitempty"`
	Version              int64              `json:"version"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

type invoicePreviewPayload struct {
	Subtotal int64  `json:"subtotal"`
	Tax      int64  `json:"tax"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type invoicePayload struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type paymentInfoPayload struct {
	Type  string `json:"type"`
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

type cartViewPayload struct {
	Cart                   cartPayload            `json:"cart"`
	UpcomingInvoicePreview *invoicePreviewPayload `json:"upcoming_invoice_preview,omitempty"`
	LatestInvoice          *invoicePayload        `json:"latest_invoice,omitempty"`
	PaymentInfo            *paymentInfoPayload    `json:"payment_info,omitempty"`
}

type needsInputPayload struct {
	CartID       string `json:"cart_id"`
	InputType    string `json:"input_type"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type timelineEventPayload struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func (h *Handler) setupCart(w http.ResponseWriter, r *http.Request) {
	var req setupCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	created, err := h.carts.SetupCart(cart.SetupCartParams{
		UID:              req.UID,
		Email:            req.Email,
		OfferingConfigID: req.OfferingConfigID,
		Interval:         req.Interval,
		CouponCode:       req.CouponCode,
		IP:               clientIP(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, mapCart(created))
}

func (h *Handler) restartCart(w http.ResponseWriter, r *http.Request) {
	restarted, err := h.carts.RestartCart(chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, mapCart(restarted))
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	view, err := h.carts.GetCart(chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mapView(view))
}

func (h *Handler) updateCart(w http.ResponseWriter, r *http.Request) {
	var req updateCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	params := cart.UpdateCartParams{
		UID:        req.UID,
		Email:      req.Email,
		CouponCode: req.CouponCode,
	}
	if req.TaxAddress != nil {
		params.TaxAddress = &domain.TaxAddress{
			CountryCode: req.TaxAddress.CountryCode,
			PostalCode:  req.TaxAddress.PostalCode,
		}
	}

	updated, err := h.carts.UpdateCart(chi.URLParam(r, "cartID"), req.Version, params)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mapCart(updated))
}

func (h *Handler) getSuccessCart(w http.ResponseWriter, r *http.Request) {
	view, err := h.carts.GetSuccessCart(chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	invoice := mapInvoice(view.LatestInvoice)
	info := mapPaymentInfo(view.PaymentInfo)
	h.writeJSON(w, http.StatusOK, cartViewPayload{
		Cart:          mapCart(view.Cart),
		LatestInvoice: &invoice,
		PaymentInfo:   &info,
	})
}

func (h *Handler) checkoutStripe(w http.ResponseWriter, r *http.Request) {
	var req checkoutStripeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	err := h.carts.CheckoutCartWithStripe(chi.URLParam(r, "cartID"), req.Version, req.ConfirmationTokenID, domain.CheckoutCustomerData{
		Locale:      req.Locale,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) checkoutPaypal(w http.ResponseWriter, r *http.Request) {
	var req checkoutPaypalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	err := h.carts.CheckoutCartWithPaypal(chi.URLParam(r, "cartID"), req.Version, req.Token, domain.CheckoutCustomerData{
		Locale:      req.Locale,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) getNeedsInput(w http.ResponseWriter, r *http.Request) {
	view, err := h.carts.GetNeedsInput(chi.URLParam(r, "cartID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, needsInputPayload{
		CartID:       view.CartID,
		InputType:    string(view.InputType),
		ClientSecret: view.ClientSecret,
	})
}

func (h *Handler) submitNeedsInput(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.SubmitNeedsInput(chi.URLParam(r, "cartID")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) finalizeWithError(w http.ResponseWriter, r *http.Request) {
	var req finalizeErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.carts.FinalizeCartWithError(chi.URLParam(r, "cartID"), domain.ErrorReason(req.Reason)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	cartID := chi.URLParam(r, "cartID")
	if _, err := h.carts.GetCart(cartID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	events, err := h.timeline.List(cartID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	payload := make([]timelineEventPayload, 0, len(events))
	for _, event := range events {
		payload = append(payload, timelineEventPayload{
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	h.writeJSON(w, http.StatusOK, payload)
}

// writeDomainError переводит доменную таксономию в HTTP-статусы.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrCartNotFound):
		h.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrCartVersionConflict),
		errors.Is(err, domain.ErrCartStateProcessing),
		errors.Is(err, domain.ErrCartInvalidState):
		h.writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, domain.ErrCartInvalidCurrency),
		errors.Is(err, domain.ErrCartInvalidPromoCode):
		h.writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrCheckoutPayment),
		errors.Is(err, domain.ErrCheckoutFailed):
		h.writeError(w, r, http.StatusPaymentRequired, err)
	case errors.Is(err, domain.ErrCartEligibilityMismatch),
		errors.Is(err, domain.ErrCartTotalMismatch),
		errors.Is(err, domain.ErrCartSuccessMissingRequired),
		errors.Is(err, domain.ErrCartSubscriptionNotFound):
		h.writeError(w, r, http.StatusUnprocessableEntity, err)
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("unhandled error")
		h.writeError(w, r, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	h.writeJSON(w, status, errorPayload{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Warn("write response failed")
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Info("http request")
	})
}

// clientIP извлекает IP клиента; RealIP middleware уже разобрал
// X-Forwarded-For в RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func mapCart(c domain.Cart) cartPayload {
	payload := cartPayload{
		ID:                   c.ID,
		State:                string(c.State),
		UID:                  c.UID,
		Email:                c.Email,
		OfferingConfigID:     c.OfferingConfigID,
		Interval:             c.Interval,
		Amount:               c.Amount,
		Currency:             c.Currency,
		CouponCode:           c.CouponCode,
		StripeCustomerID:     c.StripeCustomerID,
		StripeSubscriptionID: c.StripeSubscriptionID,
		EligibilityStatus:    string(c.EligibilityStatus),
		ErrorReasonID:        string(c.ErrorReasonID),
		Version:              c.Version,
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
	if c.TaxAddress != nil {
		payload.TaxAddress = &taxAddressPayload{
			CountryCode: c.TaxAddress.CountryCode,
			PostalCode:  c.TaxAddress.PostalCode,
		}
	}
	return payload
}

func mapView(view cart.View) cartViewPayload {
	payload := cartViewPayload{Cart: mapCart(view.Cart)}
	if view.UpcomingInvoicePreview != nil {
		payload.UpcomingInvoicePreview = &invoicePreviewPayload{
			Subtotal: view.UpcomingInvoicePreview.Subtotal,
			Tax:      view.UpcomingInvoicePreview.Tax,
			Total:    view.UpcomingInvoicePreview.Total,
			Currency: view.UpcomingInvoicePreview.Currency,
		}
	}
	if view.LatestInvoice != nil {
		invoice := mapInvoice(*view.LatestInvoice)
		payload.LatestInvoice = &invoice
	}
	if view.PaymentInfo != nil {
		info := mapPaymentInfo(*view.PaymentInfo)
		payload.PaymentInfo = &info
	}
	return payload
}

func mapInvoice(invoice domain.Invoice) invoicePayload {
	return invoicePayload{
		ID:       invoice.ID,
		Status:   string(invoice.Status),
		Total:    invoice.Total,
		Currency: invoice.Currency,
	}
}

func mapPaymentInfo(info domain.PaymentInfo) paymentInfoPayload {
	return paymentInfoPayload{
		Type:  info.Type,
		Brand: info.Brand,
		Last4: info.Last4,
	}
}
