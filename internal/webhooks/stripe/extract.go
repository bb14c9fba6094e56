package stripewebhook

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
)

// ref is an expandable Stripe field: either a bare id or an object.
type ref struct {
	ID       string
	Metadata map[string]string
}

func (r *ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var obj struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	r.Metadata = obj.Metadata
	return nil
}

type payloadPrice struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
	Product  ref               `json:"product"`
}

type payloadSubscription struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Customer         ref               `json:"customer"`
	Metadata         map[string]string `json:"metadata"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Price            *payloadPrice `json:"price"`
			CurrentPeriodEnd int64         `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type payloadSession struct {
	ID                string            `json:"id"`
	Customer          ref               `json:"customer"`
	Subscription      ref               `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
	LineItems         *struct {
		Data []struct {
			Price *payloadPrice `json:"price"`
		} `json:"data"`
	} `json:"line_items"`
}

// payloadInvoice accepts both the legacy shape (top-level subscription,
// line price objects) and the current one (parent.subscription_details,
// line pricing.price_details).
type payloadInvoice struct {
	ID           string            `json:"id"`
	Customer     ref               `json:"customer"`
	Subscription ref               `json:"subscription"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	PeriodEnd    int64             `json:"period_end"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription ref               `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Price   *payloadPrice `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price   string `json:"price"`
					Product string `json:"product"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

// priceInfo is the price of the first line or subscription item.
type priceInfo struct {
	ID              string
	Metadata        map[string]string
	ProductID       string
	ProductMetadata map[string]string
}

type subscriptionInfo struct {
	ID               string
	CustomerID       string
	Status           string
	Metadata         map[string]string
	Price            *priceInfo
	CurrentPeriodEnd *time.Time
}

type sessionInfo struct {
	ID                string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Mode              string
	PaymentStatus     string
	Metadata          map[string]string
	Price             *priceInfo
}

type invoiceInfo struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Status         string
	Metadata       map[string]string
	Price          *priceInfo
	PeriodEnd      *time.Time
}

func rawObject(event stripe.Event) []byte {
	if event.Data == nil {
		return nil
	}
	return event.Data.Raw
}

func decodeSubscription(raw []byte) (*subscriptionInfo, error) {
	var payload payloadSubscription
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	info := &subscriptionInfo{
		ID:               payload.ID,
		CustomerID:       payload.Customer.ID,
		Status:           payload.Status,
		Metadata:         payload.Metadata,
		CurrentPeriodEnd: unixTime(payload.CurrentPeriodEnd),
	}
	if len(payload.Items.Data) > 0 {
		item := payload.Items.Data[0]
		info.Price = priceFromPayload(item.Price)
		if info.CurrentPeriodEnd == nil {
			info.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
	}
	return info, nil
}

func decodeSession(raw []byte) (*sessionInfo, error) {
	var payload payloadSession
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	info := &sessionInfo{
		ID:                payload.ID,
		CustomerID:        payload.Customer.ID,
		SubscriptionID:    payload.Subscription.ID,
		ClientReferenceID: payload.ClientReferenceID,
		Mode:              payload.Mode,
		PaymentStatus:     payload.PaymentStatus,
		Metadata:          payload.Metadata,
	}
	if payload.LineItems != nil && len(payload.LineItems.Data) > 0 {
		info.Price = priceFromPayload(payload.LineItems.Data[0].Price)
	}
	return info, nil
}

func decodeInvoice(raw []byte) (*invoiceInfo, error) {
	var payload payloadInvoice
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	info := &invoiceInfo{
		ID:             payload.ID,
		CustomerID:     payload.Customer.ID,
		SubscriptionID: payload.Subscription.ID,
		Status:         payload.Status,
		Metadata:       mergeMetadata(payload.Metadata),
		PeriodEnd:      unixTime(payload.PeriodEnd),
	}
	if payload.Parent != nil && payload.Parent.SubscriptionDetails != nil {
		details := payload.Parent.SubscriptionDetails
		if info.SubscriptionID == "" {
			info.SubscriptionID = details.Subscription.ID
		}
		info.Metadata = mergeMetadata(info.Metadata, details.Metadata)
	}
	if len(payload.Lines.Data) > 0 {
		line := payload.Lines.Data[0]
		switch {
		case line.Price != nil:
			info.Price = priceFromPayload(line.Price)
		case line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "":
			info.Price = &priceInfo{
				ID:        line.Pricing.PriceDetails.Price,
				ProductID: line.Pricing.PriceDetails.Product,
			}
		}
	}
	return info, nil
}

func priceFromPayload(p *payloadPrice) *priceInfo {
	if p == nil || p.ID == "" {
		return nil
	}
	return &priceInfo{
		ID:              p.ID,
		Metadata:        p.Metadata,
		ProductID:       p.Product.ID,
		ProductMetadata: p.Product.Metadata,
	}
}

func priceFromStripe(p *stripe.Price) *priceInfo {
	if p == nil || p.ID == "" {
		return nil
	}
	info := &priceInfo{ID: p.ID, Metadata: p.Metadata}
	if p.Product != nil {
		info.ProductID = p.Product.ID
		info.ProductMetadata = p.Product.Metadata
	}
	return info
}

func subscriptionFromStripe(sub *stripe.Subscription) *subscriptionInfo {
	if sub == nil {
		return nil
	}
	info := &subscriptionInfo{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		info.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		info.Price = priceFromStripe(item.Price)
		info.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return info
}

// mergeSessionFromStripe overlays a re-fetched session on the payload copy.
func mergeSessionFromStripe(base *sessionInfo, fetched *stripe.CheckoutSession) *sessionInfo {
	if fetched == nil {
		return base
	}
	merged := *base
	merged.Metadata = mergeMetadata(base.Metadata, fetched.Metadata)
	if fetched.Customer != nil && fetched.Customer.ID != "" {
		merged.CustomerID = fetched.Customer.ID
	}
	if fetched.Subscription != nil && fetched.Subscription.ID != "" {
		merged.SubscriptionID = fetched.Subscription.ID
	}
	if fetched.ClientReferenceID != "" {
		merged.ClientReferenceID = fetched.ClientReferenceID
	}
	if fetched.Mode != "" {
		merged.Mode = string(fetched.Mode)
	}
	if fetched.PaymentStatus != "" {
		merged.PaymentStatus = string(fetched.PaymentStatus)
	}
	if fetched.LineItems != nil && len(fetched.LineItems.Data) > 0 && fetched.LineItems.Data[0] != nil {
		if price := priceFromStripe(fetched.LineItems.Data[0].Price); price != nil {
			merged.Price = price
		}
	}
	return &merged
}

// mergeMetadata folds bags left to right; later keys win.
func mergeMetadata(bags ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, bag := range bags {
		for key, value := range bag {
			out[key] = value
		}
	}
	return out
}

func unixTime(seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := time.Unix(seconds, 0).UTC()
	return &t
}

func eventTime(event stripe.Event) *time.Time {
	return unixTime(event.Created)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
