package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lentmiien/dhl-server-app/config"
	"github.com/lentmiien/dhl-server-app/internal/api/httpapi"
	"github.com/lentmiien/dhl-server-app/internal/audit"
	"github.com/lentmiien/dhl-server-app/internal/broker/kafka"
	"github.com/lentmiien/dhl-server-app/internal/cache"
	"github.com/lentmiien/dhl-server-app/internal/cache/rediscache"
	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl"
	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl/dhlhttp"
	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl/fake"
	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/lentmiien/dhl-server-app/internal/ratelimit"
	"github.com/lentmiien/dhl-server-app/internal/services/batch"
	"github.com/lentmiien/dhl-server-app/internal/services/ingest"
	"github.com/lentmiien/dhl-server-app/internal/services/shipments"
	"github.com/lentmiien/dhl-server-app/internal/services/status"
	"github.com/lentmiien/dhl-server-app/internal/storage/pgshipping"
)

// storageLayer is everything the services need from the database.
type storageLayer interface {
	CreateUpload(ctx context.Context, uploadedBy uint64, filename string, totalRows int) (*models.Upload, error)
	GetUpload(ctx context.Context, id uint64) (*models.Upload, error)
	ListUploads(ctx context.Context, uploadedBy uint64, status string) ([]*models.Upload, error)
	UpdateUploadStatus(ctx context.Context, id uint64, status string, processedRows, failedRows int) error

	CreateRow(ctx context.Context, row *models.UploadRow) (*models.UploadRow, error)
	ListRows(ctx context.Context, uploadID uint64, status string) ([]*models.UploadRow, error)
	UpdateRowStatus(ctx context.Context, id uint64, status string, errorMsg *string) error
	RowStatusCounts(ctx context.Context, uploadID uint64) (map[string]int, error)

	CreateShipment(ctx context.Context, sh *models.Shipment) (*models.Shipment, error)
	GetShipment(ctx context.Context, id uint64) (*models.Shipment, error)
	ListShipments(ctx context.Context, uploadID uint64, status string) ([]*models.Shipment, error)
	UpdateShipmentStatus(ctx context.Context, id uint64, status string) error

	InsertAuditLog(ctx context.Context, actorID uint64, action string, metadata []byte) error
}

type serverFactories struct {
	newStorage      func(cfg *config.Config) (st storageLayer, closeFn func(), err error)
	newProducer     func(cfg *config.Config) batch.Producer
	newEdgeLimiter  func(cfg *config.Config) httpapi.EdgeLimiter
	newSummaryCache func(cfg *config.Config) cache.BytesCache
	newDHLClient    func(cfg *config.Config) dhl.Client
}

func defaultServerFactories() serverFactories {
	return serverFactories{
		newStorage: func(cfg *config.Config) (storageLayer, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgshipping.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) batch.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newEdgeLimiter: func(cfg *config.Config) httpapi.EdgeLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newSummaryCache: func(cfg *config.Config) cache.BytesCache {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.New(redisAddr)
		},
		newDHLClient: func(cfg *config.Config) dhl.Client {
			// Без base_url работаем на локальном детерминированном fake.
			if cfg.DHL.BaseURL != "" && cfg.DHL.Mode == "http" {
				c := dhlhttp.New(cfg.DHL.BaseURL, cfg.DHL.APIKey)
				if cfg.DHL.MaxAttempts > 0 {
					c = c.WithRetry(
						cfg.DHL.MaxAttempts,
						time.Duration(cfg.DHL.AttemptTimeoutSeconds)*time.Second,
						time.Duration(cfg.DHL.BackoffBaseMillis)*time.Millisecond,
					)
				}
				return c
			}
			return fake.New()
		},
	}
}

type serverOpts struct {
	swaggerPath string
	onListen    func(addr string)
}

func RunLabelServer(ctx context.Context, cfg *config.Config, f serverFactories, opts serverOpts) error {
	httpAddr := cfg.Server.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.ShipmentLabeledTopicName
	if topic == "" {
		topic = "shipment.labeled"
	}
	concurrency := cfg.Server.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	carrierLimit := cfg.Server.CarrierRateLimit
	if carrierLimit <= 0 {
		carrierLimit = 10
	}
	carrierWindow := time.Duration(cfg.Server.CarrierRateLimitWindowSeconds) * time.Second
	if carrierWindow <= 0 {
		carrierWindow = time.Second
	}
	admitTimeout := time.Duration(cfg.Server.AdmitTimeoutSeconds) * time.Second
	if admitTimeout <= 0 {
		admitTimeout = 60 * time.Second
	}
	summaryTTL := time.Duration(cfg.Server.SummaryTTLSeconds) * time.Second
	if summaryTTL <= 0 {
		summaryTTL = time.Hour
	}

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	auditLog := audit.NewDBLogger(st)
	tracker := status.New(st)
	gw := f.newDHLClient(cfg)
	limiter := ratelimit.New(carrierLimit, carrierWindow)

	batchSvc := batch.New(st, tracker, gw, limiter, auditLog).
		WithSettings(concurrency, admitTimeout).
		WithRequiredFields(cfg.Server.RequiredFields)
	if f.newProducer != nil {
		batchSvc = batchSvc.WithProducer(f.newProducer(cfg), topic)
	}
	if f.newSummaryCache != nil {
		batchSvc = batchSvc.WithSummaryCache(f.newSummaryCache(cfg), summaryTTL)
	}

	h := httpapi.NewHandler(
		st,
		ingest.New(st, tracker, auditLog).WithRequiredFields(cfg.Server.RequiredFields),
		batchSvc,
		shipments.New(st, tracker, gw, auditLog).WithLimiter(limiter),
	)

	var edge httpapi.EdgeLimiter
	if f.newEdgeLimiter != nil && cfg.Server.HTTPRateLimit > 0 {
		edge = f.newEdgeLimiter(cfg)
	}
	router := httpapi.NewRouter(h, httpapi.RouterOpts{
		EdgeLimiter: edge,
		RateLimit:   int64(cfg.Server.HTTPRateLimit),
		RateWindow:  time.Duration(cfg.Server.HTTPRateLimitWindowSeconds) * time.Second,
		SwaggerPath: opts.swaggerPath,
	})

	lis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
