package fake

import (
	"context"
	"testing"

	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl"
	"github.com/stretchr/testify/require"
)

func TestFakeClient_CreateLabel_Deterministic(t *testing.T) {
	c := New()
	req := dhl.LabelRequest{
		Recipient: dhl.Recipient{
			Name:    "John Doe",
			Address: dhl.Address{Street: "1 Main St", City: "Bonn", PostalCode: "53113", Country: "DE"},
		},
	}
	a, err := c.CreateLabel(context.Background(), req)
	require.NoError(t, err)
	b, err := c.CreateLabel(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, a.DHLRef, b.DHLRef)
	require.Equal(t, a.TrackingNumber, b.TrackingNumber)
	require.Equal(t, a.CostAmount, b.CostAmount)
	require.True(t, a.CostAmount.IsPositive())
	require.Equal(t, "USD", a.CostCurrency)
	require.NotEmpty(t, a.LabelURL)
}

func TestFakeClient_ValidateAddress(t *testing.T) {
	c := New()

	ok, err := c.ValidateAddress(context.Background(), dhl.Address{Street: "s", City: "c", PostalCode: "p", Country: "DE"})
	require.NoError(t, err)
	require.True(t, ok.Valid)
	require.Empty(t, ok.Suggestions)

	bad, err := c.ValidateAddress(context.Background(), dhl.Address{Street: "s", City: "c", Country: "DE"})
	require.NoError(t, err)
	require.False(t, bad.Valid)
	require.Len(t, bad.Suggestions, 1)
	require.Equal(t, "12345", bad.Suggestions[0].PostalCode)
}

func TestFakeClient_TrackAndCancel(t *testing.T) {
	c := New()

	info, err := c.TrackShipment(context.Background(), "1Z000000000001")
	require.NoError(t, err)
	require.NotEmpty(t, info.Status)
	require.Len(t, info.Events, 2)

	res, err := c.CancelLabel(context.Background(), "DHL123")
	require.NoError(t, err)
	require.True(t, res.Cancelled)
}
