package telemetry

import (
	"errors"
	"testing"
)

func TestDefaultSeverityForKnownTypes(t *testing.T) {
	p := DefaultPolicy()

	cases := map[ActivityType]Severity{
		ActivityTabSwitch:            SeverityMedium,
		ActivityWindowBlur:           SeverityMedium,
		ActivityFullscreenExit:       SeverityMedium,
		ActivityCopyAttempt:          SeverityMedium,
		ActivityDevtoolsOpened:       SeverityHigh,
		ActivityImpossiblyFastAnswer: SeverityHigh,
		ActivitySimilarAnswerPattern: SeverityHigh,
		ActivityPageUnloadAttempt:    SeverityHigh,
		ActivityF11Attempt:           SeverityLow,
	}

	for typ, want := range cases {
		got, err := p.DefaultSeverity(typ)
		if err != nil {
			t.Fatalf("DefaultSeverity(%s): %v", typ, err)
		}
		if got != want {
			t.Errorf("DefaultSeverity(%s) = %s, want %s", typ, got, want)
		}
	}
}

func TestUnknownActivityTypeRejected(t *testing.T) {
	p := DefaultPolicy()

	if p.Known("MIND_READING") {
		t.Error("MIND_READING should not be a known activity type")
	}
	if _, err := p.DefaultSeverity("MIND_READING"); !errors.Is(err, ErrUnknownActivityType) {
		t.Errorf("expected ErrUnknownActivityType, got %v", err)
	}
}

func TestUnknownTypeWeighsZero(t *testing.T) {
	p := DefaultPolicy()
	if w := p.Weight("MIND_READING"); w != 0 {
		t.Errorf("unknown type weight = %d, want 0", w)
	}
}

func TestPolicyOverride(t *testing.T) {
	p := DefaultPolicy()
	p.Override(ActivityTabSwitch, SeverityHigh, 9)

	sev, err := p.DefaultSeverity(ActivityTabSwitch)
	if err != nil {
		t.Fatal(err)
	}
	if sev != SeverityHigh {
		t.Errorf("overridden severity = %s, want HIGH", sev)
	}
	if p.Weight(ActivityTabSwitch) != 9 {
		t.Errorf("overridden weight = %d, want 9", p.Weight(ActivityTabSwitch))
	}

	// Overrides must not leak between policy instances.
	fresh := DefaultPolicy()
	if sev, _ := fresh.DefaultSeverity(ActivityTabSwitch); sev != SeverityMedium {
		t.Errorf("fresh policy severity = %s, want MEDIUM", sev)
	}
}

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Errorf("%s should rank above %s", ordered[i], ordered[i-1])
		}
	}
	if !SeverityCritical.AtLeast(SeverityMedium) {
		t.Error("CRITICAL should be at least MEDIUM")
	}
	if SeverityLow.AtLeast(SeverityHigh) {
		t.Error("LOW should not be at least HIGH")
	}
}
