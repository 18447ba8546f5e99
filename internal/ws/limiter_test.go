package ws

import (
	"testing"
	"time"
)

func TestSignalBudgetWithinLimit(t *testing.T) {
	s := NewSession(nil, nil)
	now := time.Now()

	for i := 0; i < signalBudget; i++ {
		if verdict := checkSignalBudget(s, now); verdict != signalOK {
			t.Fatalf("frame %d must pass, got verdict %d", i+1, verdict)
		}
	}
}

func TestSignalBudgetNotifiesOnceThenDropsSilently(t *testing.T) {
	s := NewSession(nil, nil)
	now := time.Now()

	for i := 0; i < signalBudget; i++ {
		checkSignalBudget(s, now)
	}

	if verdict := checkSignalBudget(s, now); verdict != signalLimitedNotify {
		t.Fatalf("frame %d must notify, got verdict %d", signalBudget+1, verdict)
	}
	for i := 0; i < 10; i++ {
		if verdict := checkSignalBudget(s, now); verdict != signalLimitedSilent {
			t.Fatalf("over-budget frame must drop silently, got verdict %d", verdict)
		}
	}
}

func TestSignalBudgetResetsWhenWindowRolls(t *testing.T) {
	s := NewSession(nil, nil)
	start := time.Now()

	for i := 0; i < signalBudget+5; i++ {
		checkSignalBudget(s, start)
	}

	later := start.Add(signalWindow)
	if verdict := checkSignalBudget(s, later); verdict != signalOK {
		t.Fatalf("first frame of new window must pass, got verdict %d", verdict)
	}
	if s.signalCount != 1 {
		t.Fatalf("expected count reset to 1, got %d", s.signalCount)
	}
	if s.signalNotified {
		t.Fatal("notified flag must reset with the window")
	}
}
