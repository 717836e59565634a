// Package handler exposes the RPC-style HTTP surface: cart and order
// operations under /rpc, the PesaPal webhook, and health probes.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kapcdam/shop-api/internal/cache"
	"github.com/kapcdam/shop-api/internal/domain/auth"
	"github.com/kapcdam/shop-api/internal/domain/cart"
	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/order"
	"github.com/kapcdam/shop-api/pkg/health"
)

// Handler wires domain services to HTTP routes.
type Handler struct {
	carts   *cart.Service
	orders  *order.Service
	catalog catalog.Repository
	auth    *auth.Authenticator
	cache   cache.Store
	health  *health.Health
}

// New creates the API handler.
func New(
	carts *cart.Service,
	orders *order.Service,
	cat catalog.Repository,
	authn *auth.Authenticator,
	store cache.Store,
	hlth *health.Health,
) *Handler {
	return &Handler{
		carts:   carts,
		orders:  orders,
		catalog: cat,
		auth:    authn,
		cache:   store,
		health:  hlth,
	}
}

// Routes builds the router. All RPC methods are POST: the method name in the
// path is the contract, not REST semantics.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/livez", h.health.LiveEndpoint)
	r.Get("/readyz", h.health.ReadyEndpoint)

	r.Post("/webhooks/pesapal", h.pesapalWebhook)

	r.Route("/rpc", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/cart.get", h.cartGet)
		r.Post("/cart.add", h.cartAdd)
		r.Post("/cart.updateItem", h.cartUpdateItem)
		r.Post("/cart.clear", h.cartClear)
		r.Post("/cart.sync", h.cartSync)

		r.Post("/orders.create", h.ordersCreate)
		r.Post("/orders.processPayment", h.ordersProcessPayment)
		r.Post("/orders.updateStatus", h.ordersUpdateStatus)
		r.Post("/orders.cancelPending", h.ordersCancelPending)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)

			r.Post("/adminOrders.updateStatus", h.adminUpdateStatus)
			r.Post("/adminOrders.cancelWithNotes", h.adminCancelWithNotes)
			r.Post("/adminOrders.reactivate", h.adminReactivate)
			r.Post("/adminOrders.initiateRefund", h.adminInitiateRefund)
		})
	})

	return r
}
