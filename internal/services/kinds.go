package services

import (
	"context"
	"fmt"

	"booking-engine/internal/status"
	"booking-engine/models"
)

// Per-kind entry points over the one booking protocol. Seats are held
// directly; tables and booths expand to the parent unit plus all member
// units so the whole group is reserved or none of it is.

type SeatService struct {
	core *BookingService
}

func NewSeatService(core *BookingService) *SeatService {
	return &SeatService{core: core}
}

func (s *SeatService) Hold(ctx context.Context, eventID, userID string, unitIDs []string) (*HoldResult, error) {
	if err := s.core.requireKind(ctx, eventID, unitIDs, models.UnitKindSeat); err != nil {
		return nil, err
	}
	return s.core.Hold(ctx, eventID, userID, unitIDs)
}

type TableService struct {
	core *BookingService
}

func NewTableService(core *BookingService) *TableService {
	return &TableService{core: core}
}

func (s *TableService) Hold(ctx context.Context, eventID, userID string, unitIDs []string) (*HoldResult, error) {
	expanded, err := s.core.expandGroups(ctx, eventID, unitIDs, models.UnitKindTable)
	if err != nil {
		return nil, err
	}
	return s.core.Hold(ctx, eventID, userID, expanded)
}

type BoothService struct {
	core *BookingService
}

func NewBoothService(core *BookingService) *BoothService {
	return &BoothService{core: core}
}

func (s *BoothService) Hold(ctx context.Context, eventID, userID string, unitIDs []string) (*HoldResult, error) {
	expanded, err := s.core.expandGroups(ctx, eventID, unitIDs, models.UnitKindBooth)
	if err != nil {
		return nil, err
	}
	return s.core.Hold(ctx, eventID, userID, expanded)
}

func (s *BookingService) requireKind(ctx context.Context, eventID string, unitIDs []string, kind models.UnitKind) error {
	units, err := s.units.FindUnits(ctx, eventID, unitIDs)
	if err != nil {
		return err
	}
	for _, u := range units {
		if u.Kind != kind {
			return fmt.Errorf("unit %s is a %s, not a %s: %w", u.ID, u.Kind, kind, status.ErrInvalidInput)
		}
	}
	return nil
}

// expandGroups resolves each parent unit of the given kind to itself
// plus its member units, deduplicated, so the hold covers the group
// atomically.
func (s *BookingService) expandGroups(ctx context.Context, eventID string, unitIDs []string, kind models.UnitKind) ([]string, error) {
	units, err := s.units.FindUnits(ctx, eventID, unitIDs)
	if err != nil {
		return nil, err
	}

	var expanded []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			expanded = append(expanded, id)
		}
	}

	for _, u := range units {
		if u.Kind != kind {
			return nil, fmt.Errorf("unit %s is a %s, not a %s: %w", u.ID, u.Kind, kind, status.ErrInvalidInput)
		}
		add(u.ID)
		members, err := s.units.MemberUnits(ctx, eventID, u.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			add(m.ID)
		}
	}
	return expanded, nil
}
