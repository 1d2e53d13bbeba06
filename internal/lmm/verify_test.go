package lmm_test

import (
	"context"
	"testing"

	"golmm/internal/testkit"
)

func TestVerifyPanelAgreesOnSeededData(t *testing.T) {
	kit := testkit.NewTestKit()
	req, _ := syntheticRequest(t, false)
	fitter := kit.Fitter()

	reference := mustFit(t, fitter, req)

	v := fitter.Verify(context.Background(), req, reference,
		[]string{"neldermead", "bfgs", "quadapprox"}, 1e-3, 2)

	if !v.Agrees {
		t.Fatalf("panel disagreed on seeded data: %s", v.Detail)
	}
	if len(v.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2 (reference optimizer excluded)", len(v.Outcomes))
	}
	for _, o := range v.Outcomes {
		if o.Failure != "" {
			t.Errorf("%s failed: %s", o.Name, o.Failure)
		}
		if o.Name == reference.Optimizer {
			t.Errorf("panel re-ran the reference optimizer %s", o.Name)
		}
	}
}

func TestVerifyFlagsDoctoredLogLik(t *testing.T) {
	kit := testkit.NewTestKit()
	req, _ := syntheticRequest(t, false)
	fitter := kit.Fitter()

	reference := mustFit(t, fitter, req)
	reference.LogLik -= 50

	v := fitter.Verify(context.Background(), req, reference, []string{"neldermead", "bfgs"}, 1e-3, 1)

	if v.Agrees {
		t.Fatal("a 50-unit log likelihood gap must not verify")
	}
	if v.Detail == "" {
		t.Error("disagreement carries no detail")
	}
}

func TestVerifyWithReferenceOnlyPanel(t *testing.T) {
	kit := testkit.NewTestKit()
	req, _ := syntheticRequest(t, false)
	fitter := kit.Fitter()

	reference := mustFit(t, fitter, req)

	v := fitter.Verify(context.Background(), req, reference, []string{"neldermead"}, 1e-3, 1)
	if !v.Agrees {
		t.Error("an empty panel has nothing to disagree with")
	}
	if len(v.Outcomes) != 0 {
		t.Errorf("outcomes = %d, want none", len(v.Outcomes))
	}
}
