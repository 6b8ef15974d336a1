package webhook

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/keithlinneman/packgate/internal/xerrors"
)

// Event types consumed by the dispatcher.
const (
	TypePurchaseCompleted   = "purchase.completed"
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypeChargeRefunded      = "charge.refunded"
	TypePurchaseCancelled   = "purchase.cancelled"
	TypeSubscriptionCreated = "customer.subscription.created"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
)

// Event is the processor's envelope.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// CreatedAt is the processor-side creation time, or zero.
func (e Event) CreatedAt() time.Time {
	if e.Created <= 0 {
		return time.Time{}
	}
	return time.Unix(e.Created, 0).UTC()
}

// eventObject holds every field the dispatcher reads from event data. Both
// the flat shape ({"userId","productId"}) and the checkout-session shape
// (client_reference_id, line_items, metadata) decode into it.
type eventObject struct {
	ID                string            `json:"id"`
	UserID            string            `json:"userId"`
	ProductID         string            `json:"productId"`
	BundleID          string            `json:"bundleId"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	LineItems         *struct {
		Data []struct {
			Price struct {
				Product string `json:"product"`
			} `json:"price"`
		} `json:"data"`
	} `json:"line_items"`

	// subscription fields
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

func (o eventObject) userID() string {
	return firstNonEmpty(o.UserID, o.ClientReferenceID, o.Metadata["userId"])
}

func (o eventObject) productID() string {
	var lineProduct string
	if o.LineItems != nil && len(o.LineItems.Data) > 0 {
		lineProduct = o.LineItems.Data[0].Price.Product
	}
	return firstNonEmpty(o.ProductID, lineProduct, o.Metadata["productId"])
}

func (o eventObject) bundleID() string {
	return firstNonEmpty(o.BundleID, o.Metadata["bundleId"])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ParseEvent decodes the envelope. It does not look at data.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, xerrors.Wrapf(ErrMalformedEvent, "decode envelope: %v", err)
	}
	if strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(ev.Type) == "" {
		return ev, xerrors.Wrap(ErrMalformedEvent, "id and type are required")
	}
	return ev, nil
}

// object decodes event data, unwrapping {"object": {...}} if present.
func (e Event) object() (eventObject, error) {
	var obj eventObject
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return obj, xerrors.Wrap(ErrMalformedEvent, "missing data")
	}
	var wrapper struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return obj, xerrors.Wrapf(ErrMalformedEvent, "decode data: %v", err)
	}
	if len(wrapper.Object) > 0 {
		data = wrapper.Object
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return obj, xerrors.Wrapf(ErrMalformedEvent, "decode data object: %v", err)
	}
	return obj, nil
}
