package domain

import (
	"errors"
	"testing"
)

func validSettings() *SatelliteSettings {
	return &SatelliteSettings{
		BucketID:         "sat-a",
		RiskTolerance:    0.5,
		Momentum:         0.5,
		MeanReversion:    0.5,
		VolatilityTarget: 0.5,
		MaxPositionPct:   0.5,
		DividendHandling: DividendReinvestSame,
	}
}

func TestSatelliteSettingsValidate(t *testing.T) {
	if err := validSettings().Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	s := validSettings()
	s.Momentum = 1.5
	if err := s.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("slider above 1: got %v", err)
	}

	s = validSettings()
	s.RiskTolerance = -0.1
	if err := s.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("slider below 0: got %v", err)
	}

	// 边界值合法
	s = validSettings()
	s.MaxPositionPct = 0.0
	s.VolatilityTarget = 1.0
	if err := s.Validate(); err != nil {
		t.Errorf("boundary sliders rejected: %v", err)
	}

	s = validSettings()
	s.DividendHandling = "burn"
	if err := s.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown dividend handling: got %v", err)
	}

	for _, h := range []DividendHandling{DividendReinvestSame, DividendSendToCore, DividendAccumulateCash} {
		s = validSettings()
		s.DividendHandling = h
		if err := s.Validate(); err != nil {
			t.Errorf("dividend handling %s rejected: %v", h, err)
		}
	}
}

func TestAllocationSettingsClamp(t *testing.T) {
	s := AllocationSettings{SatelliteBudgetPct: 0.45, SatelliteMinPct: 0.03, SatelliteMaxPct: 0.12}
	clamped := s.Clamp()
	if clamped.SatelliteBudgetPct != SatelliteBudgetHardCap {
		t.Errorf("budget = %v, want hard cap %v", clamped.SatelliteBudgetPct, SatelliteBudgetHardCap)
	}

	s = AllocationSettings{SatelliteBudgetPct: 0.20}
	if got := s.Clamp().SatelliteBudgetPct; got != 0.20 {
		t.Errorf("budget below cap changed: %v", got)
	}
}
