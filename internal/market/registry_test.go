package market

import "testing"

func TestNormalizeLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Yes", "yes"},
		{" YES ", "yes"},
		{"Y-E-S", "yes"},
		{"No!", "no"},
		{"true", "true"},
	}

	for _, tt := range tests {
		if got := normalizeLabel(tt.in); got != tt.want {
			t.Errorf("normalizeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateStrictPolicy(t *testing.T) {
	t.Parallel()
	r := &Registry{labelPolicy: "strict"}

	gm := GammaMarket{
		ConditionID:  "cond1",
		Outcomes:     `["Yes","No"]`,
		ClobTokenIds: `["tok-yes","tok-no"]`,
	}
	info := r.validate(gm)
	if !info.IsBinaryYesNo {
		t.Fatalf("expected valid market, got reason: %s", info.InvalidReason)
	}
	if info.YesTokenID != "tok-yes" || info.NoTokenID != "tok-no" {
		t.Errorf("token mapping wrong: yes=%s no=%s", info.YesTokenID, info.NoTokenID)
	}
}

func TestValidateStrictPolicyRejectsAmbiguousLabels(t *testing.T) {
	t.Parallel()
	r := &Registry{labelPolicy: "strict"}

	gm := GammaMarket{
		ConditionID:  "cond1",
		Outcomes:     `["Up","Down"]`,
		ClobTokenIds: `["tok-up","tok-down"]`,
	}
	info := r.validate(gm)
	if info.IsBinaryYesNo {
		t.Fatal("expected invalid market for ambiguous labels")
	}
}

func TestValidatePermissivePolicyAcceptsTrueFalse(t *testing.T) {
	t.Parallel()
	r := &Registry{labelPolicy: "permissive"}

	gm := GammaMarket{
		ConditionID:  "cond1",
		Outcomes:     `["True","False"]`,
		ClobTokenIds: `["tok-t","tok-f"]`,
	}
	info := r.validate(gm)
	if !info.IsBinaryYesNo {
		t.Fatalf("expected valid market under permissive policy, got reason: %s", info.InvalidReason)
	}
}

func TestValidateRejectsWrongTokenCount(t *testing.T) {
	t.Parallel()
	r := &Registry{labelPolicy: "strict"}

	gm := GammaMarket{
		ConditionID:  "cond1",
		Outcomes:     `["Yes","No"]`,
		ClobTokenIds: `["only-one"]`,
	}
	info := r.validate(gm)
	if info.IsBinaryYesNo {
		t.Fatal("expected invalid market for wrong token count")
	}
}
