package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
)

func (s *Service) CreateOutlet(ctx context.Context, tenantID string, in model.OutletInput) (model.Outlet, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return model.Outlet{}, apperrors.Validation("name", "outlet name is required")
	}
	if in.Location != nil && !in.Location.Valid() {
		return model.Outlet{}, apperrors.Validation("location", "coordinates %v,%v are invalid", in.Location.Lat, in.Location.Lng)
	}
	switch in.Status {
	case "", model.OutletActive, model.OutletInactive, model.OutletMaintenance:
	default:
		return model.Outlet{}, apperrors.Validation("status", "unknown outlet status %q", in.Status)
	}
	o, err := s.Store.CreateOutlet(ctx, tenantID, in)
	if err != nil {
		return model.Outlet{}, fmt.Errorf("create outlet: %w", err)
	}
	return o, nil
}

func (s *Service) GetOutlet(ctx context.Context, tenantID, id string) (model.Outlet, error) {
	o, err := s.Store.GetOutlet(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Outlet{}, &apperrors.NotFoundError{Entity: "outlet", ID: id}
	}
	return o, err
}

func (s *Service) ListOutlets(ctx context.Context, tenantID string, status model.OutletStatus, cursor string, limit int) ([]model.Outlet, string, error) {
	return s.Store.ListOutlets(ctx, tenantID, status, cursor, limit)
}

// DeleteOutlet refuses while any route stop still references the outlet.
func (s *Service) DeleteOutlet(ctx context.Context, tenantID, id string) error {
	err := s.Store.DeleteOutlet(ctx, tenantID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &apperrors.NotFoundError{Entity: "outlet", ID: id}
	case errors.Is(err, store.ErrInUse):
		return &apperrors.OutletInUseError{OutletID: id}
	}
	return err
}
