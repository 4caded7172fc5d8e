package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestIsValidPushTransition(t *testing.T) {
	tests := []struct {
		from, to PushRequestStatus
		want     bool
	}{
		{PushStatusDraft, PushStatusInProgress, true},
		{PushStatusDraft, PushStatusFailed, true},
		{PushStatusDraft, PushStatusCompleted, false},
		{PushStatusInProgress, PushStatusCompleted, true},
		{PushStatusInProgress, PushStatusFailed, true},
		{PushStatusInProgress, PushStatusDraft, false},
		{PushStatusCompleted, PushStatusFailed, false},
		{PushStatusCompleted, PushStatusInProgress, false},
		{PushStatusFailed, PushStatusCompleted, false},
		{PushRequestStatus("BOGUS"), PushStatusFailed, false},
	}

	for _, tt := range tests {
		if got := IsValidPushTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidPushTransition(%s, %s) = %t, want %t", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestReconStatusFor(t *testing.T) {
	tests := []struct {
		name               string
		amount, reconciled string
		want               ReconStatus
	}{
		{name: "untouched", amount: "100", reconciled: "0", want: ReconUnreconciled},
		{name: "partial", amount: "100", reconciled: "40", want: ReconPartly},
		{name: "exact", amount: "100", reconciled: "100", want: ReconReconciled},
		{name: "over", amount: "100", reconciled: "120", want: ReconReconciled},
		{name: "zero amount", amount: "0", reconciled: "0", want: ReconReconciled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount := decimal.RequireFromString(tt.amount)
			reconciled := decimal.RequireFromString(tt.reconciled)
			if got := ReconStatusFor(amount, reconciled); got != tt.want {
				t.Errorf("ReconStatusFor(%s, %s) = %s, want %s", tt.amount, tt.reconciled, got, tt.want)
			}
		})
	}
}

func TestReconcilable(t *testing.T) {
	tx := InboundTransaction{
		Amount:     decimal.RequireFromString("250.50"),
		Reconciled: decimal.RequireFromString("100.50"),
	}
	if got := tx.Reconcilable(); !got.Equal(decimal.RequireFromString("150")) {
		t.Errorf("Reconcilable = %s, want 150", got)
	}
}

func TestBillReferenceSuffix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"555000#SINV-0001", "SINV-0001"},
		{"555000#ACC-PRQ-0001#extra", "ACC-PRQ-0001#extra"},
		{"no-delimiter", "no-delimiter"},
		{"#leading", "leading"},
		{"trailing#", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := BillReferenceSuffix(tt.in); got != tt.want {
			t.Errorf("BillReferenceSuffix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokenValid(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	margin := time.Minute

	tests := []struct {
		name string
		cred GatewayCredential
		want bool
	}{
		{
			name: "well inside expiry",
			cred: GatewayCredential{AccessToken: "t", TokenExpiry: now.Add(time.Hour)},
			want: true,
		},
		{
			name: "inside safety margin",
			cred: GatewayCredential{AccessToken: "t", TokenExpiry: now.Add(30 * time.Second)},
			want: false,
		},
		{
			name: "exactly at margin boundary",
			cred: GatewayCredential{AccessToken: "t", TokenExpiry: now.Add(margin)},
			want: false,
		},
		{
			name: "expired",
			cred: GatewayCredential{AccessToken: "t", TokenExpiry: now.Add(-time.Hour)},
			want: false,
		},
		{
			name: "no token",
			cred: GatewayCredential{TokenExpiry: now.Add(time.Hour)},
			want: false,
		},
		{
			name: "zero expiry",
			cred: GatewayCredential{AccessToken: "t"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.TokenValid(now, margin); got != tt.want {
				t.Errorf("TokenValid = %t, want %t", got, tt.want)
			}
		})
	}
}
