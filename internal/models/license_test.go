package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLicenseStatusTransitions(t *testing.T) {
	tests := []struct {
		from    LicenseStatus
		to      LicenseStatus
		allowed bool
	}{
		{LicenseStatusTrialing, LicenseStatusActive, true},
		{LicenseStatusTrialing, LicenseStatusCancelled, true},
		{LicenseStatusTrialing, LicenseStatusPastDue, false},
		{LicenseStatusActive, LicenseStatusPastDue, true},
		{LicenseStatusActive, LicenseStatusCancelled, true},
		{LicenseStatusActive, LicenseStatusTrialing, false},
		{LicenseStatusPastDue, LicenseStatusActive, true},
		{LicenseStatusPastDue, LicenseStatusCancelled, true},
		{LicenseStatusCancelled, LicenseStatusActive, true},
		{LicenseStatusCancelled, LicenseStatusPastDue, false},
		{LicenseStatusRevoked, LicenseStatusActive, false},
		{LicenseStatusRevoked, LicenseStatusCancelled, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestLicenseStatusRevokedReachableFromAnywhere(t *testing.T) {
	for _, from := range []LicenseStatus{LicenseStatusTrialing, LicenseStatusActive, LicenseStatusPastDue, LicenseStatusCancelled} {
		assert.True(t, from.CanTransitionTo(LicenseStatusRevoked), "from %s", from)
	}
	assert.False(t, LicenseStatusRevoked.CanTransitionTo(LicenseStatusRevoked))
}

func TestLicenseStatusUsable(t *testing.T) {
	assert.True(t, LicenseStatusTrialing.IsUsable())
	assert.True(t, LicenseStatusActive.IsUsable())
	assert.True(t, LicenseStatusPastDue.IsUsable())
	assert.False(t, LicenseStatusCancelled.IsUsable())
	assert.False(t, LicenseStatusRevoked.IsUsable())
}

func TestLicenseDeactivateAndReactivate(t *testing.T) {
	lic := NewLicense("AUR-PRO-V2-AAAAAAAA-BBBBBBBB", uuid.New(), nil, "pro-monthly", "pro", 5, LicenseStatusActive)
	assert.True(t, lic.Active)
	assert.Nil(t, lic.RevokedAt)

	lic.Deactivate(LicenseStatusRevoked, "chargeback")
	assert.Equal(t, LicenseStatusRevoked, lic.Status)
	assert.False(t, lic.Active)
	assert.NotNil(t, lic.RevokedAt)
	assert.Equal(t, "chargeback", lic.RevocationReason)

	lic.Reactivate()
	assert.Equal(t, LicenseStatusActive, lic.Status)
	assert.True(t, lic.Active)
	assert.Nil(t, lic.RevokedAt)
	assert.Empty(t, lic.RevocationReason)
}

func TestLicenseDeactivateCancelledKeepsRevocationClear(t *testing.T) {
	lic := NewLicense("AUR-PRO-V2-AAAAAAAA-BBBBBBBB", uuid.New(), nil, "pro-monthly", "pro", 5, LicenseStatusActive)

	lic.Deactivate(LicenseStatusCancelled, "subscription ended")
	assert.Equal(t, LicenseStatusCancelled, lic.Status)
	assert.False(t, lic.Active)
	assert.Nil(t, lic.RevokedAt)
	assert.Empty(t, lic.RevocationReason)
}
