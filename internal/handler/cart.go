package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/kapcdam/shop-api/internal/cache"
	"github.com/kapcdam/shop-api/internal/domain/auth"
	"github.com/kapcdam/shop-api/internal/domain/cart"
	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/delivery"
	"github.com/kapcdam/shop-api/internal/domain/pricing"
)

const cartCacheTTL = 2 * time.Minute

type cartLineView struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	Ref                string     `json:"ref"`
	VariantSKU         string     `json:"variantSku,omitempty"`
	Quantity           int        `json:"quantity"`
	PreferredStartDate *time.Time `json:"preferredStartDate,omitempty"`

	Title           string `json:"title,omitempty"`
	UnitPrice       int64  `json:"unitPrice"`
	DiscountPercent int    `json:"discountPercent,omitempty"`
	LineTotal       int64  `json:"lineTotal"`
	Unavailable     bool   `json:"unavailable,omitempty"`
}

type cartView struct {
	ID        string         `json:"id"`
	Items     []cartLineView `json:"items"`
	ItemCount int            `json:"itemCount"`

	Subtotal     int64  `json:"subtotal"`
	ItemDiscount int64  `json:"itemDiscount"`
	// ShippingEstimate is display-only: the real fee is resolved from the
	// chosen delivery zone at checkout.
	ShippingEstimate int64  `json:"shippingEstimate"`
	Total            int64  `json:"total"`
	Currency         string `json:"currency"`
}

// cartGet answers cart.get through the read cache. The cached body is the
// exact response; writers invalidate after their store commit.
func (h *Handler) cartGet(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	key := cache.CartKey(id.UserID)
	if body, err := h.cache.Get(r.Context(), key); err == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
		return
	}

	c, err := h.carts.Get(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.buildCartView(r.Context(), c)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := json.Marshal(view)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.cache.Set(r.Context(), key, body, cartCacheTTL); err != nil {
		zctx.From(r.Context()).Warn("Cart cache write failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

type cartAddRequest struct {
	Kind               string     `json:"kind"`
	Ref                string     `json:"ref"`
	VariantSKU         string     `json:"variantSku"`
	Quantity           int        `json:"quantity"`
	PreferredStartDate *time.Time `json:"preferredStartDate"`
}

func (h *Handler) cartAdd(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req cartAddRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	c, err := h.carts.Add(r.Context(), id.UserID, cart.Line{
		Kind:               catalog.Kind(req.Kind),
		Ref:                req.Ref,
		VariantSKU:         req.VariantSKU,
		Quantity:           req.Quantity,
		PreferredStartDate: req.PreferredStartDate,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondCart(w, r, c)
}

type cartUpdateItemRequest struct {
	LineID   string `json:"lineId"`
	Quantity int    `json:"quantity"`
}

func (h *Handler) cartUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req cartUpdateItemRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	c, err := h.carts.UpdateItem(r.Context(), id.UserID, req.LineID, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondCart(w, r, c)
}

func (h *Handler) cartClear(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.carts.Clear(r.Context(), id.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

type cartSyncRequest struct {
	Items []cartAddRequest `json:"items"`
}

func (h *Handler) cartSync(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req cartSyncRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	lines := make([]cart.Line, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, cart.Line{
			Kind:               catalog.Kind(it.Kind),
			Ref:                it.Ref,
			VariantSKU:         it.VariantSKU,
			Quantity:           it.Quantity,
			PreferredStartDate: it.PreferredStartDate,
		})
	}

	c, err := h.carts.Sync(r.Context(), id.UserID, lines)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondCart(w, r, c)
}

func (h *Handler) respondCart(w http.ResponseWriter, r *http.Request, c *cart.Cart) {
	view, err := h.buildCartView(r.Context(), c)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// buildCartView prices the cart for display. Lines whose catalog entry has
// vanished are kept but flagged unavailable instead of breaking the whole
// cart; checkout will reject them properly.
func (h *Handler) buildCartView(ctx context.Context, c *cart.Cart) (*cartView, error) {
	refs := make([]catalog.Ref, 0, len(c.Lines))
	for _, l := range c.Lines {
		refs = append(refs, l.CatalogRef())
	}

	var entries map[catalog.Ref]catalog.Entry
	if len(refs) > 0 {
		var err error
		entries, err = h.catalog.GetEntries(ctx, refs)
		if err != nil {
			return nil, errors.Wrap(err, "fetch catalog entries")
		}
	}

	view := &cartView{
		ID:        c.ID,
		Items:     make([]cartLineView, 0, len(c.Lines)),
		ItemCount: c.ItemCount(),
		Currency:  "UGX",
	}

	var priced []pricing.PricedLine
	for _, l := range c.Lines {
		lv := cartLineView{
			ID:                 l.ID,
			Kind:               string(l.Kind),
			Ref:                l.Ref,
			VariantSKU:         l.VariantSKU,
			Quantity:           l.Quantity,
			PreferredStartDate: l.PreferredStartDate,
		}

		entry, ok := entries[l.CatalogRef()]
		if ok {
			if pl, err := pricing.PriceLine(l, entry); err == nil {
				lv.Title = pl.Title
				lv.UnitPrice = pl.UnitPrice
				lv.DiscountPercent = pl.DiscountPercent
				lv.LineTotal = pl.LineTotal()
				priced = append(priced, pl)
			} else {
				lv.Unavailable = true
			}
		} else {
			lv.Unavailable = true
		}
		view.Items = append(view.Items, lv)
	}

	shipping := int64(0)
	if len(priced) > 0 {
		shipping = delivery.FallbackLocalFee
	}
	totals, err := pricing.ComputeTotals(priced, nil, shipping)
	if err != nil {
		return nil, err
	}

	view.Subtotal = totals.Subtotal
	view.ItemDiscount = totals.ItemDiscount
	view.ShippingEstimate = totals.Shipping
	view.Total = totals.Total
	return view, nil
}
