package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl"
	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl/fake"
	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/lentmiien/dhl-server-app/internal/ratelimit"
	"github.com/lentmiien/dhl-server-app/internal/services/batch"
	"github.com/lentmiien/dhl-server-app/internal/services/ingest"
	"github.com/lentmiien/dhl-server-app/internal/services/shipments"
	"github.com/lentmiien/dhl-server-app/internal/services/status"
	"github.com/stretchr/testify/require"
)

// memStore backs every service in the HTTP flow tests.
type memStore struct {
	mu        sync.Mutex
	uploads   map[uint64]*models.Upload
	rows      []*models.UploadRow
	shipments map[uint64]*models.Shipment
	nextID    uint64
}

func newMemStore() *memStore {
	return &memStore{
		uploads:   map[uint64]*models.Upload{},
		shipments: map[uint64]*models.Shipment{},
	}
}

func (m *memStore) CreateUpload(ctx context.Context, uploadedBy uint64, filename string, totalRows int) (*models.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	u := &models.Upload{
		ID: m.nextID, UploadedBy: uploadedBy, Filename: filename,
		TotalRows: totalRows, Status: models.UploadStatusProcessing,
	}
	m.uploads[u.ID] = u
	return u, nil
}

func (m *memStore) GetUpload(ctx context.Context, id uint64) (*models.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return nil, fmt.Errorf("upload %d not found", id)
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) ListUploads(ctx context.Context, uploadedBy uint64, st string) ([]*models.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Upload
	for _, u := range m.uploads {
		if u.UploadedBy == uploadedBy && (st == "" || u.Status == st) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateRow(ctx context.Context, row *models.UploadRow) (*models.UploadRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *row
	cp.ID = m.nextID
	m.rows = append(m.rows, &cp)
	out := cp
	return &out, nil
}

func (m *memStore) ListRows(ctx context.Context, uploadID uint64, st string) ([]*models.UploadRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.UploadRow
	for _, r := range m.rows {
		if r.UploadID == uploadID && (st == "" || r.Status == st) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) RowStatusCounts(ctx context.Context, uploadID uint64) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, r := range m.rows {
		if r.UploadID == uploadID {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (m *memStore) UpdateRowStatus(ctx context.Context, rowID uint64, st string, errorMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == rowID {
			r.Status = st
			r.ErrorMsg = errorMsg
		}
	}
	return nil
}

func (m *memStore) UpdateUploadStatus(ctx context.Context, uploadID uint64, st string, processedRows, failedRows int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.uploads[uploadID]
	u.Status = st
	u.ProcessedRows = processedRows
	u.FailedRows = failedRows
	return nil
}

func (m *memStore) CreateShipment(ctx context.Context, sh *models.Shipment) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.shipments {
		if existing.UploadRowID == sh.UploadRowID {
			cp := *existing
			return &cp, nil
		}
	}
	m.nextID++
	cp := *sh
	cp.ID = m.nextID
	m.shipments[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.shipments[id]
	if !ok {
		return nil, fmt.Errorf("shipment %d not found", id)
	}
	cp := *sh
	return &cp, nil
}

func (m *memStore) ListShipments(ctx context.Context, uploadID uint64, st string) ([]*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Shipment
	for _, sh := range m.shipments {
		if (uploadID == 0 || sh.UploadID == uploadID) && (st == "" || sh.Status == st) {
			cp := *sh
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateShipmentStatus(ctx context.Context, shipmentID uint64, st string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sh, ok := m.shipments[shipmentID]; ok {
		sh.Status = st
	}
	return nil
}

func newTestServer(t *testing.T, gw dhl.Client, opts RouterOpts) (*httptest.Server, *memStore) {
	t.Helper()
	store := newMemStore()
	tracker := status.New(store)

	b := batch.New(store, tracker, gw, ratelimit.New(100, time.Second), nil).
		WithSettings(4, time.Second)
	h := NewHandler(
		store,
		ingest.New(store, tracker, nil),
		b,
		shipments.New(store, tracker, gw, nil),
	)
	srv := httptest.NewServer(NewRouter(h, opts))
	t.Cleanup(srv.Close)
	return srv, store
}

func doReq(t *testing.T, method, url, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "7")
	req.Header.Set("X-User-Role", "Logistics")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, b
}

func TestHTTPFlow_CSVUploadToLabels(t *testing.T) {
	srv, store := newTestServer(t, fake.New(), RouterOpts{})

	csvBody := "recipient_name,street,city,postal_code,country,weight\n" +
		"Alice,1 Main St,Bonn,53113,DE,2.5\n" +
		"Bob,2 Main St,Bonn,,DE,1.0\n" +
		"Carol,3 Main St,Bonn,53115,DE,0.5\n"

	resp, body := doReq(t, http.MethodPost, srv.URL+"/api/uploads?filename=consignees.csv", "text/csv", []byte(csvBody))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		UploadID      uint64 `json:"uploadId"`
		Status        string `json:"status"`
		TotalRows     int    `json:"totalRows"`
		ProcessedRows int    `json:"processedRows"`
		FailedRows    int    `json:"failedRows"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	require.Equal(t, 3, created.TotalRows)
	require.Equal(t, 2, created.ProcessedRows)
	require.Equal(t, 1, created.FailedRows)

	base := fmt.Sprintf("%s/api/uploads/%d", srv.URL, created.UploadID)

	resp, body = doReq(t, http.MethodPost, base+"/validate", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pass struct {
		Validated int `json:"validated"`
		Failed    int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(body, &pass))
	require.Equal(t, 2, pass.Validated)

	resp, body = doReq(t, http.MethodPost, base+"/labels", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary models.BatchSummary
	require.NoError(t, json.Unmarshal(body, &summary))
	require.Equal(t, 2, summary.SuccessCount)
	require.Equal(t, 0, summary.FailedCount)

	// Сводка воспроизводима после завершения партии.
	resp, body = doReq(t, http.MethodGet, base+"/summary", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again models.BatchSummary
	require.NoError(t, json.Unmarshal(body, &again))
	require.Equal(t, summary.SuccessCount, again.SuccessCount)
	// Перестроенная сводка включает строку, упавшую ещё на инжесте.
	require.Equal(t, 1, again.FailedCount)

	resp, body = doReq(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		StatusCounts map[string]int `json:"statusCounts"`
	}
	require.NoError(t, json.Unmarshal(body, &detail))
	require.Equal(t, 2, detail.StatusCounts[models.RowStatusLabeled])
	require.Equal(t, 1, detail.StatusCounts[models.RowStatusError])

	shipmentsList, _ := store.ListShipments(context.Background(), created.UploadID, "")
	require.Len(t, shipmentsList, 2)
}

func TestHTTPFlow_ShipmentCancel(t *testing.T) {
	srv, store := newTestServer(t, fake.New(), RouterOpts{})

	sh, err := store.CreateShipment(context.Background(), &models.Shipment{
		UploadID: 1, UploadRowID: 11, DHLRef: "DHL0000001",
		TrackingNumber: "1Z000000000001", Status: models.ShipmentStatusLabeled,
	})
	require.NoError(t, err)

	url := fmt.Sprintf("%s/api/shipments/%d/cancel", srv.URL, sh.ID)
	resp, body := doReq(t, http.MethodPost, url, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.True(t, out.Cancelled)

	got, _ := store.GetShipment(context.Background(), sh.ID)
	require.Equal(t, models.ShipmentStatusCancelled, got.Status)

	// Повторная отмена отклоняется.
	resp, _ = doReq(t, http.MethodPost, url, "", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTP_LabelsConflictWhenNothingEligible(t *testing.T) {
	srv, _ := newTestServer(t, fake.New(), RouterOpts{})

	resp, body := doReq(t, http.MethodPost, srv.URL+"/api/uploads", "application/json",
		[]byte(`{"filename":"one.json","rows":[{"recipient_name":"A","street":"1 Main St","city":"Bonn","postal_code":"53113","country":"DE"}]}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		UploadID uint64 `json:"uploadId"`
	}
	require.NoError(t, json.Unmarshal(body, &created))

	// Строки ещё NEW: для прохода маркировки нет подходящих строк.
	url := fmt.Sprintf("%s/api/uploads/%d/labels", srv.URL, created.UploadID)
	resp, _ = doReq(t, http.MethodPost, url, "", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHTTP_IdentityRequired(t *testing.T) {
	srv, _ := newTestServer(t, fake.New(), RouterOpts{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/uploads", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Служебные маршруты открыты.
	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestHTTP_BatchRoutesRequireRole(t *testing.T) {
	srv, _ := newTestServer(t, fake.New(), RouterOpts{})

	resp, body := doReq(t, http.MethodPost, srv.URL+"/api/uploads", "application/json",
		[]byte(`{"filename":"one.json","rows":[{"recipient_name":"A","street":"1 Main St","city":"Bonn","postal_code":"53113","country":"DE"}]}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		UploadID uint64 `json:"uploadId"`
	}
	require.NoError(t, json.Unmarshal(body, &created))

	url := fmt.Sprintf("%s/api/uploads/%d/validate", srv.URL, created.UploadID)
	for _, role := range []string{"", "Accounting"} {
		req, err := http.NewRequest(http.MethodPost, url, nil)
		require.NoError(t, err)
		req.Header.Set("X-User-ID", "7")
		if role != "" {
			req.Header.Set("X-User-Role", role)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	// Разрешённая роль проходит до сервиса.
	resp, _ = doReq(t, http.MethodPost, url, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Чтение не требует роли.
	resp, _ = doReq(t, http.MethodGet, fmt.Sprintf("%s/api/uploads/%d", srv.URL, created.UploadID), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type stubLimiter struct {
	mu sync.Mutex
	n  map[string]int64
}

func (l *stubLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == nil {
		l.n = map[string]int64{}
	}
	l.n[key]++
	return l.n[key] <= limit, l.n[key], nil
}

func TestHTTP_EdgeRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, fake.New(), RouterOpts{
		EdgeLimiter: &stubLimiter{},
		RateLimit:   2,
		RateWindow:  time.Minute,
	})

	for i := 0; i < 2; i++ {
		resp, _ := doReq(t, http.MethodGet, srv.URL+"/api/uploads", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := doReq(t, http.MethodGet, srv.URL+"/api/uploads", "", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "60", resp.Header.Get("Retry-After"))
}
