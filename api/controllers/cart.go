package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/reliablestore/storefront/api/middleware"
	"github.com/reliablestore/storefront/api/responses"
	"github.com/reliablestore/storefront/api/validators"
	cartsvc "github.com/reliablestore/storefront/internal/cart"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
)

// CartEvents is the source of per-device cart change notifications.
type CartEvents interface {
	Subscribe(deviceID string) (<-chan cartsvc.Change, func())
}

type cartResponse struct {
	Items    []cartsvc.Line  `json:"items"`
	Count    int             `json:"count"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

func newCartResponse(record cartsvc.Record) cartResponse {
	items := make([]cartsvc.Line, 0, len(record))
	for _, id := range record.IDs() {
		items = append(items, record[id])
	}
	return cartResponse{
		Items:    items,
		Count:    cartsvc.TotalCount(record),
		Subtotal: cartsvc.Subtotal(record),
	}
}

type addItemRequest struct {
	ID    string           `json:"id" validate:"required,max=128"`
	Title string           `json:"title" validate:"max=512"`
	Price *decimal.Decimal `json:"price"`
	Image string           `json:"image" validate:"max=2048"`
}

func (r addItemRequest) toProduct() (cartsvc.Product, error) {
	if r.Price != nil && r.Price.IsNegative() {
		return cartsvc.Product{}, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"price": "must be 0 or more"})
	}
	return cartsvc.Product{
		ID:    validators.SanitizeString(r.ID, 128),
		Title: validators.SanitizeString(r.Title, 512),
		Price: r.Price,
		Image: validators.SanitizeString(r.Image, 2048),
	}, nil
}

type setQuantityRequest struct {
	Qty *int `json:"qty" validate:"required,gte=0"`
}

// deviceFrom returns the request's device id or writes a validation error.
func deviceFrom(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (string, bool) {
	deviceID := middleware.DeviceIDFromContext(r.Context())
	if deviceID == "" {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "device id missing"))
		return "", false
	}
	return deviceID, true
}

func itemIDFrom(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (string, bool) {
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "item id is required"))
		return "", false
	}
	return itemID, true
}

// CartGet returns the device's cart.
func CartGet(svc cartsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := deviceFrom(w, r, logg)
		if !ok {
			return
		}
		responses.WriteSuccess(w, newCartResponse(svc.Read(r.Context(), deviceID)))
	}
}

// CartCount returns only the badge count.
func CartCount(svc cartsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := deviceFrom(w, r, logg)
		if !ok {
			return
		}
		count := cartsvc.TotalCount(svc.Read(r.Context(), deviceID))
		responses.WriteSuccess(w, map[string]int{"count": count})
	}
}

// CartClear empties the device's cart.
func CartClear(svc cartsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := deviceFrom(w, r, logg)
		if !ok {
			return
		}
		svc.Clear(r.Context(), deviceID)
		responses.WriteSuccess(w, newCartResponse(cartsvc.Record{}))
	}
}

// CartAddItem adds one unit of a product.
func CartAddItem(svc cartsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := deviceFrom(w, r, logg)
		if !ok {
			return
		}

		var payload addItemRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		product, err := payload.toProduct()
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		record := svc.AddItem(r.Context(), deviceID, product)
		responses.WriteSuccess(w, newCartResponse(record))
	}
}

// CartSetQuantity sets a line's quantity; zero removes the line.
func CartSetQuantity(svc cartsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := deviceFrom(w, r, logg)
		if !ok {
			return
		}
		itemID, ok := itemIDFrom(w, r, logg)
		if !ok {
			return
		}

		var payload setQuantityRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		record := svc.SetQuantity(r.Context(), deviceID, itemID, *payload.Qty)
		responses.WriteSuccess(w, newCartResponse(record))
	}
}

// CartRemoveItem drops a line.
func CartRemoveItem(svc cartsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := deviceFrom(w, r, logg)
		if !ok {
			return
		}
		itemID, ok := itemIDFrom(w, r, logg)
		if !ok {
			return
		}
		responses.WriteSuccess(w, newCartResponse(svc.RemoveItem(r.Context(), deviceID, itemID)))
	}
}

// CartStream streams count changes for the device as server-sent events. The
// current count is sent first; heartbeat comments keep proxies from closing
// an idle stream.
func CartStream(svc cartsvc.Service, events CartEvents, heartbeat time.Duration, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := deviceFrom(w, r, logg)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "streaming unsupported"))
			return
		}

		ctx := r.Context()
		changes, cancel := events.Subscribe(deviceID)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		current := cartsvc.Change{DeviceID: deviceID, Count: cartsvc.TotalCount(svc.Read(ctx, deviceID))}
		if err := writeCartEvent(w, current); err != nil {
			return
		}
		flusher.Flush()

		if heartbeat <= 0 {
			heartbeat = 25 * time.Second
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case change, open := <-changes:
				if !open {
					return
				}
				if err := writeCartEvent(w, change); err != nil {
					if logg != nil {
						logg.WarnErr(ctx, "cart.events.write_failed", err)
					}
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeCartEvent(w http.ResponseWriter, change cartsvc.Change) error {
	payload, err := json.Marshal(map[string]any{"count": change.Count})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: cart\ndata: %s\n\n", payload)
	return err
}
