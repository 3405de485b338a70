package pgshipping

import (
	"context"
	"testing"
	"time"

	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPGShipping_RepoFlow(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "shipping_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/shipping_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	up, err := st.CreateUpload(ctx, 7, "consignees.csv", 2)
	require.NoError(t, err)
	require.NotZero(t, up.ID)
	require.Equal(t, models.UploadStatusProcessing, up.Status)

	phone := "+4912345"
	r1, err := st.CreateRow(ctx, &models.UploadRow{
		UploadID: up.ID, RowNumber: 1, RawJSON: `{"recipient_name":"A"}`,
		RecipientName: "A", Street: "1 Main St", City: "Bonn", PostalCode: "53113", Country: "DE",
		Phone: &phone, Weight: 1.5, Status: models.RowStatusNew,
	})
	require.NoError(t, err)
	errMsg := "Missing required fields: postal_code"
	_, err = st.CreateRow(ctx, &models.UploadRow{
		UploadID: up.ID, RowNumber: 2, RawJSON: `{"recipient_name":"B"}`,
		Status: models.RowStatusError, ErrorMsg: &errMsg,
	})
	require.NoError(t, err)

	listed, err := st.ListRows(ctx, up.ID, "")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, 1, listed[0].RowNumber)

	onlyErrors, err := st.ListRows(ctx, up.ID, models.RowStatusError)
	require.NoError(t, err)
	require.Len(t, onlyErrors, 1)
	require.NotNil(t, onlyErrors[0].ErrorMsg)

	require.NoError(t, st.UpdateRowStatus(ctx, r1.ID, models.RowStatusValidated, nil))
	counts, err := st.RowStatusCounts(ctx, up.ID)
	require.NoError(t, err)
	require.Equal(t, 1, counts[models.RowStatusValidated])
	require.Equal(t, 1, counts[models.RowStatusError])

	eta := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second)
	sh, err := st.CreateShipment(ctx, &models.Shipment{
		UploadID: up.ID, UploadRowID: r1.ID,
		DHLRef: "DHL1", TrackingNumber: "1Z1", LabelURL: "https://x/l.pdf",
		RecipientName: "A", AddressJSON: `{"street":"1 Main St"}`,
		Status: models.ShipmentStatusLabeled, EstimatedDelivery: &eta,
		CostAmount: decimal.New(2750, -2), CostCurrency: "USD",
	})
	require.NoError(t, err)
	require.NotZero(t, sh.ID)

	// Повторная вставка для той же строки не создаёт второй shipment.
	again, err := st.CreateShipment(ctx, &models.Shipment{
		UploadID: up.ID, UploadRowID: r1.ID,
		DHLRef: "DHL-OTHER", TrackingNumber: "1Z-OTHER",
		Status: models.ShipmentStatusLabeled,
	})
	require.NoError(t, err)
	require.Equal(t, sh.ID, again.ID)
	require.Equal(t, "DHL1", again.DHLRef)

	require.NoError(t, st.UpdateShipmentStatus(ctx, sh.ID, models.ShipmentStatusShipped))
	got, err := st.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatusShipped, got.Status)
	require.Equal(t, "27.5", got.CostAmount.String())

	require.NoError(t, st.UpdateUploadStatus(ctx, up.ID, models.UploadStatusCompleted, 1, 1))
	up2, err := st.GetUpload(ctx, up.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusCompleted, up2.Status)
	require.Equal(t, up2.TotalRows, up2.ProcessedRows+up2.FailedRows)

	ups, err := st.ListUploads(ctx, 7, "")
	require.NoError(t, err)
	require.Len(t, ups, 1)

	require.NoError(t, st.InsertAuditLog(ctx, 7, "CSV_UPLOADED", []byte(`{"uploadId":1}`)))
}
