package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl"
	"github.com/shopspring/decimal"
)

// FakeClient — заглушка перевозчика для демо и тестов. Все ответы
// детерминированы по входным данным, сетевых вызовов нет.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) ValidateAddress(ctx context.Context, addr dhl.Address) (dhl.AddressCheck, error) {
	valid := addr.Street != "" && addr.City != "" && addr.PostalCode != "" && addr.Country != ""
	check := dhl.AddressCheck{Valid: valid}
	if !valid {
		s := addr
		if s.Street == "" {
			s.Street = "123 Main St"
		}
		if s.City == "" {
			s.City = "Sample City"
		}
		if s.PostalCode == "" {
			s.PostalCode = "12345"
		}
		if s.Country == "" {
			s.Country = "US"
		}
		check.Suggestions = []dhl.Address{s}
	}
	return check, nil
}

func (f *FakeClient) CreateLabel(ctx context.Context, req dhl.LabelRequest) (dhl.LabelResult, error) {
	h := sum(req.Recipient.Name, req.Recipient.Address.PostalCode, req.Recipient.Address.Street)
	ref := fmt.Sprintf("DHL%010d", h)

	// Стоимость в диапазоне 10.00..59.99, детерминированно по получателю.
	cents := int64(1000 + h%5000)
	return dhl.LabelResult{
		DHLRef:            ref,
		TrackingNumber:    fmt.Sprintf("1Z%012d", h),
		LabelURL:          fmt.Sprintf("https://api.dhl.com/labels/%s.pdf", ref),
		EstimatedDelivery: time.Now().UTC().Add(3 * 24 * time.Hour).Truncate(time.Second),
		CostAmount:        decimal.New(cents, -2),
		CostCurrency:      "USD",
	}, nil
}

func (f *FakeClient) GetLabel(ctx context.Context, dhlRef string) ([]byte, error) {
	return []byte("Mock PDF content for label " + dhlRef), nil
}

func (f *FakeClient) GetInvoice(ctx context.Context, dhlRef string) ([]byte, error) {
	return []byte("Mock Invoice PDF content for label " + dhlRef), nil
}

func (f *FakeClient) TrackShipment(ctx context.Context, trackingNumber string) (dhl.TrackingInfo, error) {
	now := time.Now().UTC()

	// 20% отправлений считаем доставленными.
	status := "IN_TRANSIT"
	if sum(trackingNumber)%5 == 0 {
		status = "DELIVERED"
	}

	return dhl.TrackingInfo{
		TrackingNumber: trackingNumber,
		Status:         status,
		Events: []dhl.TrackingEvent{
			{Timestamp: now.Add(-24 * time.Hour), Location: "Sorting Facility", Description: "Package sorted"},
			{Timestamp: now, Location: "Origin Facility", Description: "Package picked up"},
		},
	}, nil
}

func (f *FakeClient) CancelLabel(ctx context.Context, dhlRef string) (dhl.CancelResult, error) {
	return dhl.CancelResult{
		Cancelled:      true,
		RefundAmount:   decimal.New(2500, -2),
		RefundCurrency: "USD",
	}, nil
}

func sum(parts ...string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.Join(parts, "|")))
	return h.Sum32()
}

var _ dhl.Client = (*FakeClient)(nil)
