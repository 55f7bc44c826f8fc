package naming

import (
	"testing"
)

func TestNewIdentity(t *testing.T) {
	tests := []struct {
		name        string
		project     string
		environment string
		wantName    string
		wantKey     string
		wantErr     bool
	}{
		{name: "known project production", project: "fraud-or-not", environment: "production", wantName: "fon-prd-stack", wantKey: "fon/prd"},
		{name: "known project alias", project: "people-cards", environment: "stage", wantName: "pec-stg-stack", wantKey: "pec/stg"},
		{name: "media register dev", project: "media-register", environment: "dev", wantName: "mer-dev-stack", wantKey: "mer/dev"},
		{name: "fallback codes", project: "billing-api", environment: "qa-east", wantName: "bil-qae-stack", wantKey: "bil/qae"},
		{name: "case insensitive", project: "Fraud-Or-Not", environment: "PROD", wantName: "fon-prd-stack", wantKey: "fon/prd"},
		{name: "empty project", project: "", environment: "dev", wantErr: true},
		{name: "empty environment", project: "fraud-or-not", environment: " ", wantErr: true},
		{name: "too short", project: "ab", environment: "dev", wantErr: true},
		{name: "non alphanumeric", project: "a_b_c", environment: "dev", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewIdentity(tt.project, tt.environment)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got identity %+v", id)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", id.Name, tt.wantName)
			}
			if id.Key() != tt.wantKey {
				t.Errorf("Key() = %q, want %q", id.Key(), tt.wantKey)
			}
		})
	}
}

func TestNamerOverrides(t *testing.T) {
	n, err := NewNamer(map[string]string{"billing-api": "BLA"})
	if err != nil {
		t.Fatalf("NewNamer failed: %v", err)
	}

	id, err := n.Identity("billing-api", "production")
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if id.Name != "bla-prd-stack" {
		t.Errorf("Name = %q, want bla-prd-stack", id.Name)
	}
	if !id.IsProduction() {
		t.Error("expected production identity")
	}

	// Defaults survive overrides.
	id, err = n.Identity("fraud-or-not", "dev")
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if id.ProjectCode != "fon" {
		t.Errorf("ProjectCode = %q, want fon", id.ProjectCode)
	}

	if _, err := NewNamer(map[string]string{"x": "toolong"}); err == nil {
		t.Error("expected error for invalid override code")
	}
}

func TestResourceNames(t *testing.T) {
	id, _ := NewIdentity("fraud-or-not", "staging")

	name, err := id.ResourceName("api-gateway")
	if err != nil {
		t.Fatalf("ResourceName failed: %v", err)
	}
	if name != "fon-stg-api-gateway" {
		t.Errorf("ResourceName = %q", name)
	}

	p, e, r, err := ParseResourceName(name)
	if err != nil {
		t.Fatalf("ParseResourceName failed: %v", err)
	}
	if p != "fon" || e != "stg" || r != "api-gateway" {
		t.Errorf("ParseResourceName = %q %q %q", p, e, r)
	}

	for _, bad := range []string{"Upper", "under_score", "", "space here"} {
		if _, err := id.ResourceName(bad); err == nil {
			t.Errorf("expected error for resource %q", bad)
		}
	}
	if _, _, _, err := ParseResourceName("fon-stg"); err == nil {
		t.Error("expected error for name without resource segment")
	}
}

func TestBucketNameRoundTrip(t *testing.T) {
	id, _ := NewIdentity("people-cards", "production")

	for _, index := range []int{0, 1, 999, 1000, 1234, MaxBucketIndex} {
		name, err := id.BucketName(index)
		if err != nil {
			t.Fatalf("BucketName(%d) failed: %v", index, err)
		}
		got, ok := id.ParseBucketIndex(name)
		if !ok || got != index {
			t.Errorf("ParseBucketIndex(%q) = %d, %v; want %d", name, got, ok, index)
		}
	}

	name, _ := id.BucketName(1234)
	if name != "pec-prd-artifacts-001-234" {
		t.Errorf("BucketName(1234) = %q", name)
	}

	if _, err := id.BucketName(-1); err == nil {
		t.Error("expected error for negative index")
	}
	if _, err := id.BucketName(MaxBucketIndex + 1); err == nil {
		t.Error("expected error for index overflow")
	}
}

func TestParseBucketIndexRejectsForeignNames(t *testing.T) {
	id, _ := NewIdentity("people-cards", "production")
	other, _ := NewIdentity("people-cards", "dev")

	foreign, _ := other.BucketName(3)
	for _, name := range []string{
		foreign,
		"pec-prd-artifacts-000",
		"pec-prd-artifacts-00a-001",
		"pec-prd-artifacts-+01-001",
		"pec-prd-artifacts-000-001-extra",
		"unrelated-bucket",
	} {
		if _, ok := id.ParseBucketIndex(name); ok {
			t.Errorf("ParseBucketIndex(%q) should not match", name)
		}
	}
}
