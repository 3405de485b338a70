package shipments

import (
	"context"
	"log/slog"

	"github.com/lentmiien/dhl-server-app/internal/audit"
	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl"
	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	GetShipment(ctx context.Context, id uint64) (*models.Shipment, error)
	ListShipments(ctx context.Context, uploadID uint64, status string) ([]*models.Shipment, error)
}

type Tracker interface {
	ShipmentTo(ctx context.Context, sh *models.Shipment, to string) error
}

type Limiter interface {
	Acquire(ctx context.Context) error
}

// Service exposes per-shipment operations on top of the carrier gateway:
// documents, live tracking and cancellation.
type Service struct {
	repo     Repository
	tracker  Tracker
	gw       dhl.Client
	rl       Limiter
	auditLog audit.Logger
}

func New(repo Repository, tracker Tracker, gw dhl.Client, auditLog audit.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.Noop{}
	}
	return &Service{repo: repo, tracker: tracker, gw: gw, auditLog: auditLog}
}

// WithLimiter routes this service's carrier calls through the shared
// outbound rate limiter.
func (s *Service) WithLimiter(rl Limiter) *Service {
	s.rl = rl
	return s
}

func (s *Service) admit(ctx context.Context) error {
	if s.rl == nil {
		return nil
	}
	return s.rl.Acquire(ctx)
}

func (s *Service) Get(ctx context.Context, id uint64) (*models.Shipment, error) {
	return s.repo.GetShipment(ctx, id)
}

func (s *Service) List(ctx context.Context, uploadID uint64, status string) ([]*models.Shipment, error) {
	return s.repo.ListShipments(ctx, uploadID, status)
}

func (s *Service) LabelPDF(ctx context.Context, id uint64) ([]byte, error) {
	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx); err != nil {
		return nil, err
	}
	b, err := s.gw.GetLabel(ctx, sh.DHLRef)
	if err != nil {
		return nil, errors.Wrapf(err, "label for shipment %d", id)
	}
	return b, nil
}

func (s *Service) InvoicePDF(ctx context.Context, id uint64) ([]byte, error) {
	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx); err != nil {
		return nil, err
	}
	b, err := s.gw.GetInvoice(ctx, sh.DHLRef)
	if err != nil {
		return nil, errors.Wrapf(err, "invoice for shipment %d", id)
	}
	return b, nil
}

// Track fetches live carrier events and advances the shipment status
// when the carrier reports progress. A carrier status that is behind the
// stored one leaves the shipment untouched.
func (s *Service) Track(ctx context.Context, id uint64) (*models.Shipment, dhl.TrackingInfo, error) {
	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, dhl.TrackingInfo{}, err
	}
	if err := s.admit(ctx); err != nil {
		return nil, dhl.TrackingInfo{}, err
	}
	info, err := s.gw.TrackShipment(ctx, sh.TrackingNumber)
	if err != nil {
		return nil, dhl.TrackingInfo{}, errors.Wrapf(err, "track shipment %d", id)
	}

	for _, to := range advanceSteps(sh.Status, info.Status) {
		if err := s.tracker.ShipmentTo(ctx, sh, to); err != nil {
			slog.Error("advance shipment", "shipment_id", sh.ID, "to", to, "error", err.Error())
			break
		}
	}
	return sh, info, nil
}

// advanceSteps maps a carrier tracking status onto the ordered status
// chain, yielding the intermediate hops a shipment still has to take.
func advanceSteps(current, carrier string) []string {
	var target string
	switch carrier {
	case "IN_TRANSIT", "OUT_FOR_DELIVERY":
		target = models.ShipmentStatusShipped
	case "DELIVERED":
		target = models.ShipmentStatusDelivered
	default:
		return nil
	}

	order := []string{
		models.ShipmentStatusLabeled,
		models.ShipmentStatusShipped,
		models.ShipmentStatusDelivered,
	}
	pos := func(st string) int {
		for i, s := range order {
			if s == st {
				return i
			}
		}
		return -1
	}

	from, to := pos(current), pos(target)
	if from < 0 || to <= from {
		return nil
	}
	return order[from+1 : to+1]
}

// Cancel voids the label at the carrier and marks the shipment
// CANCELLED. Delivered shipments cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, userID, id uint64) (*models.Shipment, dhl.CancelResult, error) {
	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, dhl.CancelResult{}, err
	}
	if sh.Status == models.ShipmentStatusDelivered || sh.Status == models.ShipmentStatusCancelled {
		return nil, dhl.CancelResult{}, errors.Errorf("shipment %d is %s and cannot be cancelled", id, sh.Status)
	}

	if err := s.admit(ctx); err != nil {
		return nil, dhl.CancelResult{}, err
	}
	res, err := s.gw.CancelLabel(ctx, sh.DHLRef)
	if err != nil {
		return nil, dhl.CancelResult{}, errors.Wrapf(err, "cancel shipment %d", id)
	}
	if err := s.tracker.ShipmentTo(ctx, sh, models.ShipmentStatusCancelled); err != nil {
		return nil, dhl.CancelResult{}, err
	}

	s.auditLog.Log(ctx, userID, "LABEL_CANCELLED", map[string]any{
		"shipmentId":     id,
		"dhlRef":         sh.DHLRef,
		"refundAmount":   res.RefundAmount.String(),
		"refundCurrency": res.RefundCurrency,
	})
	return sh, res, nil
}
