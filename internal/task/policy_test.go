package task

import "testing"

func TestObserveMissingInputsSetsAndClearsFlag(t *testing.T) {
	defer ObserveMissingInputs(0, 0) // leave the package-global flag clean for other tests

	ObserveMissingInputs(3, 4) // 3/4 > half
	if !NeedToSendContent() {
		t.Fatal("NeedToSendContent() should be true once missing exceeds half the required set")
	}
	ObserveMissingInputs(0, 4)
	if NeedToSendContent() {
		t.Fatal("NeedToSendContent() should clear once an attempt reports zero missing")
	}
}

func TestObserveMissingInputsIgnoresMinorityMiss(t *testing.T) {
	defer ObserveMissingInputs(0, 0)

	ObserveMissingInputs(0, 4)
	ObserveMissingInputs(1, 4) // 1/4 is not a majority, flag should stay clear
	if NeedToSendContent() {
		t.Fatal("NeedToSendContent() should not be set by a minority miss")
	}
}

func TestFallbackBudget(t *testing.T) {
	b := NewFallbackBudget(2)
	if !b.TryAcquire() || !b.TryAcquire() {
		t.Fatal("expected two acquisitions to succeed against a budget of 2")
	}
	if b.TryAcquire() {
		t.Fatal("third acquisition should fail once the budget is exhausted")
	}
	b.Release()
	if !b.TryAcquire() {
		t.Fatal("acquisition should succeed again after a release")
	}
}

func TestFallbackBudgetReleaseNeverGoesNegative(t *testing.T) {
	b := NewFallbackBudget(1)
	b.Release() // releasing with nothing acquired must not underflow
	if !b.TryAcquire() {
		t.Fatal("expected acquisition to still succeed")
	}
}

func TestRemoteHealthEWMAAndDegraded(t *testing.T) {
	h := &RemoteHealth{}
	if h.PredictedSlow() {
		t.Fatal("a fresh RemoteHealth should not be predicted slow")
	}
	h.Observe(2000)
	if !h.PredictedSlow() {
		t.Fatal("a single sample above predictedSlowMillis should report predicted-slow")
	}

	h2 := &RemoteHealth{}
	h2.SetDegraded(true)
	if !h2.PredictedSlow() {
		t.Fatal("the degraded flag alone should report predicted-slow")
	}
}

func TestShouldRaceLocal(t *testing.T) {
	cases := []struct {
		name string
		in   RacingInputs
		want bool
	}{
		{"all false", RacingInputs{}, false},
		{"heavy", RacingInputs{Heavy: true}, true},
		{"empty queue", RacingInputs{LocalQueueEmpty: true}, true},
		{"slow remote", RacingInputs{RemotePredictedSlow: true}, true},
		{"previous failed", RacingInputs{PreviousBuildFailed: true}, true},
	}
	for _, c := range cases {
		if got := ShouldRaceLocal(c.in); got != c.want {
			t.Errorf("%s: ShouldRaceLocal(%+v) = %v, want %v", c.name, c.in, got, c.want)
		}
	}
}
