package client

import (
	"testing"

	"github.com/projectharmonia/replicon"
)

func TestConfirmHistoryTracksRecentTicks(t *testing.T) {
	var h ConfirmHistory
	h.Confirm(replicon.Tick(10))
	if !h.ConfirmedAt(10) {
		t.Errorf("tick 10 should be confirmed")
	}
	if h.ConfirmedAt(11) {
		t.Errorf("tick 11 (newer than anchor) should not be confirmed")
	}
	if h.ConfirmedAt(9) {
		t.Errorf("tick 9 was never recorded and should not be confirmed")
	}

	h.Confirm(replicon.Tick(12))
	if !h.ConfirmedAt(12) || !h.ConfirmedAt(10) {
		t.Errorf("advancing the anchor must not forget an earlier confirmed tick within the window")
	}
	if h.ConfirmedAt(11) {
		t.Errorf("tick 11 was never confirmed")
	}

	anchor, ok := h.Latest()
	if !ok || anchor != 12 {
		t.Errorf("Latest = %d, %v; want 12, true", anchor, ok)
	}
}

func TestConfirmHistoryDropsOutOfWindowTicks(t *testing.T) {
	var h ConfirmHistory
	h.Confirm(replicon.Tick(100))
	h.Confirm(replicon.Tick(200)) // shift of 100 >= 64, fully clears the window
	if h.ConfirmedAt(100) {
		t.Errorf("tick 100 is more than 64 ticks behind the new anchor and should have fallen out of the window")
	}
	if !h.ConfirmedAt(200) {
		t.Errorf("the new anchor tick itself should be confirmed")
	}
}

func TestConfirmHistoryIdempotentReconfirm(t *testing.T) {
	var h ConfirmHistory
	h.Confirm(replicon.Tick(5))
	h.Confirm(replicon.Tick(5))
	if !h.ConfirmedAt(5) {
		t.Errorf("re-confirming the same tick should remain confirmed")
	}
}
