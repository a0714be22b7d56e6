package placement

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/quota"
)

func TestPlaceBatchFirstPlacementConsumesQuota(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")

	result := h.mustPlace(testContext, "A", quota.Edit{X: 0, Y: 0, Color: "#ff0000"})
	if result.QuotaCharged != 1 || result.QuotaRemaining != 99 {
		testContext.Fatalf("unexpected charge %+v", result)
	}
	pixel, ok := h.pixelAt(testContext, 0, 0)
	if !ok || pixel.Color != "#FF0000" || pixel.PlacedBy != "A" || pixel.PlacedByUsername != "A-name" {
		testContext.Fatalf("unexpected pixel %+v", pixel)
	}
	state, err := h.service.BoardState(context.Background(), testBoardID)
	if err != nil || len(state.Pixels) != 1 {
		testContext.Fatalf("expected exactly one placed pixel, got %d (%v)", len(state.Pixels), err)
	}
	if h.balance(testContext, "A") != 99 {
		testContext.Fatalf("expected stored balance 99")
	}
	if types := h.publisher.Types(); len(types) != 1 || types[0] != EventModificationAppended {
		testContext.Fatalf("unexpected events %v", types)
	}
}

func TestPlaceBatchReassertionIsFree(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")
	h.mustPlace(testContext, "A", quota.Edit{X: 0, Y: 0, Color: "#FF0000"})

	result := h.mustPlace(testContext, "A", quota.Edit{X: 0, Y: 0, Color: "#FF0000"})
	if result.QuotaCharged != 0 || result.Classified.Free != 1 {
		testContext.Fatalf("expected free re-assertion, got %+v", result)
	}
	if h.balance(testContext, "A") != 99 {
		testContext.Fatalf("expected balance to stay at 99")
	}
	pixel, _ := h.pixelAt(testContext, 0, 0)
	if pixel.Color != "#FF0000" || pixel.PlacedBy != "A" {
		testContext.Fatalf("re-assertion changed the grid: %+v", pixel)
	}
}

func TestPlaceBatchOverwriteByAnotherUser(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")
	h.mustSession(testContext, "B")
	h.mustPlace(testContext, "A", quota.Edit{X: 0, Y: 0, Color: "#FF0000"})

	result := h.mustPlace(testContext, "B", quota.Edit{X: 0, Y: 0, Color: "#00FF00"})
	if result.QuotaCharged != 1 {
		testContext.Fatalf("expected overwrite to cost 1, got %+v", result)
	}
	pixel, _ := h.pixelAt(testContext, 0, 0)
	if pixel.Color != "#00FF00" || pixel.PlacedBy != "B" {
		testContext.Fatalf("unexpected pixel %+v", pixel)
	}
}

func TestPlaceBatchBuildsOneRecordPerBatch(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")

	result := h.mustPlace(testContext, "A",
		quota.Edit{X: 2, Y: 2, Color: "#FFFFFF"},
		quota.Edit{X: 5, Y: 5, Color: "#000000"},
	)
	record := result.Record
	if record.X != 2 || record.Y != 2 || record.W != 4 || record.H != 4 || record.ChangedPixelsCount != 2 {
		testContext.Fatalf("unexpected record %+v", record)
	}
	stored, err := h.records.ListOrdered(context.Background(), testBoardID)
	if err != nil || len(stored) != 1 {
		testContext.Fatalf("expected one stored record, got %d (%v)", len(stored), err)
	}
}

func TestPlaceBatchChargesRepeatedCoordinatePerEdit(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")

	result := h.mustPlace(testContext, "A",
		quota.Edit{X: 1, Y: 1, Color: "#FF0000"},
		quota.Edit{X: 1, Y: 1, Color: "#00FF00"},
	)
	if result.QuotaCharged != 2 || result.QuotaRemaining != 98 {
		testContext.Fatalf("expected both edits to be charged, got %+v", result)
	}
	if h.balance(testContext, "A") != 98 {
		testContext.Fatalf("expected stored balance 98, got %d", h.balance(testContext, "A"))
	}
	pixel, ok := h.pixelAt(testContext, 1, 1)
	if !ok || pixel.Color != "#00FF00" {
		testContext.Fatalf("expected the last edit to win, got %+v", pixel)
	}
	if result.Record.ChangedPixelsCount != 1 {
		testContext.Fatalf("expected one changed pixel in the record, got %d", result.Record.ChangedPixelsCount)
	}
}

func TestPlaceBatchRejectsWhenQuotaInsufficient(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")
	if _, err := h.quotas.AtomicIncrement(context.Background(), "A", -99); err != nil {
		testContext.Fatalf("failed to drain quota: %v", err)
	}

	_, err := h.service.PlaceBatch(context.Background(), BatchRequest{
		BoardID: testBoardID,
		UserID:  "A",
		Edits:   []quota.Edit{{X: 0, Y: 0, Color: "#FF0000"}, {X: 1, Y: 0, Color: "#FF0000"}},
	})
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) || quotaErr.Required != 2 || quotaErr.Available != 1 {
		testContext.Fatalf("expected quota exceeded, got %v", err)
	}
	stored, _ := h.records.ListOrdered(context.Background(), testBoardID)
	if len(stored) != 0 {
		testContext.Fatalf("rejected batch must not write a record")
	}
	if h.balance(testContext, "A") != 1 {
		testContext.Fatalf("rejected batch must not charge quota")
	}
}

func TestPlaceBatchValidation(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")

	testCases := []struct {
		name   string
		edits  []quota.Edit
		reason string
		index  int
	}{
		{name: "empty", edits: nil, reason: ReasonEmptyBatch, index: -1},
		{name: "bad color", edits: []quota.Edit{{X: 0, Y: 0, Color: "#FF0000"}, {X: 1, Y: 1, Color: "red"}}, reason: ReasonInvalidColor, index: 1},
		{name: "out of bounds", edits: []quota.Edit{{X: 10, Y: 0, Color: "#FF0000"}}, reason: ReasonOutOfBounds, index: 0},
		{name: "negative", edits: []quota.Edit{{X: 0, Y: -1, Color: "#FF0000"}}, reason: ReasonOutOfBounds, index: 0},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			_, err := h.service.PlaceBatch(context.Background(), BatchRequest{BoardID: testBoardID, UserID: "A", Edits: testCase.edits})
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if validationErr.Reason != testCase.reason || validationErr.Index != testCase.index {
				t.Fatalf("unexpected validation error %+v", validationErr)
			}
		})
	}
}

func TestPlaceBatchNotFound(testContext *testing.T) {
	h := newHarness(testContext)

	_, err := h.service.PlaceBatch(context.Background(), BatchRequest{BoardID: "missing", UserID: "A", Edits: []quota.Edit{{Color: "#FF0000"}}})
	var notFound *NotFoundError
	if !errors.As(err, &notFound) || notFound.Kind != KindBoard {
		testContext.Fatalf("expected missing board, got %v", err)
	}

	_, err = h.service.PlaceBatch(context.Background(), BatchRequest{BoardID: testBoardID, UserID: "ghost", Edits: []quota.Edit{{Color: "#FF0000"}}})
	if !errors.As(err, &notFound) || notFound.Kind != KindUser {
		testContext.Fatalf("expected missing user, got %v", err)
	}
}

func TestPlaceBatchRetriesTransientAppend(testContext *testing.T) {
	var flaky *flakyRecords
	h := newHarness(testContext, withRecords(func(store modifications.Store) modifications.Store {
		flaky = &flakyRecords{Store: store, appendFailures: 2}
		return flaky
	}))
	h.mustSession(testContext, "A")

	h.mustPlace(testContext, "A", quota.Edit{X: 3, Y: 3, Color: "#0000FF"})
	if flaky.appendAttempts != 3 {
		testContext.Fatalf("expected 3 append attempts, got %d", flaky.appendAttempts)
	}
}

func TestPlaceBatchChargeFailureKeepsRecord(testContext *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var failing *failingQuotas
	h := newHarness(testContext,
		withLogger(zap.New(core)),
		withQuotas(func(store quota.Store) quota.Store {
			failing = &failingQuotas{Store: store, incrementFailures: 10}
			return failing
		}))
	h.mustSession(testContext, "A")

	result, err := h.service.PlaceBatch(context.Background(), BatchRequest{BoardID: testBoardID, UserID: "A", Edits: []quota.Edit{{X: 0, Y: 0, Color: "#FF0000"}}})
	var chargeErr *ChargeError
	if !errors.As(err, &chargeErr) {
		testContext.Fatalf("expected charge error, got %v", err)
	}
	if chargeErr.Required != 1 || chargeErr.Record.ID == "" || result.Record.ID != chargeErr.Record.ID {
		testContext.Fatalf("unexpected charge error %+v", chargeErr)
	}
	if failing.incrementAttempts != chargeRetries+1 {
		testContext.Fatalf("expected %d charge attempts, got %d", chargeRetries+1, failing.incrementAttempts)
	}
	if pixel, ok := h.pixelAt(testContext, 0, 0); !ok || pixel.Color != "#FF0000" {
		testContext.Fatalf("expected pixels to stay placed")
	}
	if h.balance(testContext, "A") != 100 {
		testContext.Fatalf("expected quota to stay uncharged")
	}
	if logs.FilterField(zap.String("reason", "quota_charge_failed")).Len() != 1 {
		testContext.Fatalf("expected one charge failure log entry")
	}
}

func TestQuotaConservation(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")
	h.mustSession(testContext, "B")

	batches := []struct {
		user  string
		edits []quota.Edit
	}{
		{"A", []quota.Edit{{X: 0, Y: 0, Color: "#FF0000"}, {X: 1, Y: 0, Color: "#FF0000"}}},
		{"B", []quota.Edit{{X: 0, Y: 0, Color: "#FF0000"}, {X: 1, Y: 0, Color: "#00FF00"}, {X: 2, Y: 0, Color: "#00FF00"}}},
		{"A", []quota.Edit{{X: 1, Y: 0, Color: "#0000FF"}, {X: 2, Y: 0, Color: "#0000FF"}, {X: 2, Y: 0, Color: "#000000"}}},
	}
	charged := map[string]int{}
	for _, batch := range batches {
		result := h.mustPlace(testContext, batch.user, batch.edits...)
		charged[batch.user] += result.QuotaCharged
		if result.QuotaCharged != result.Classified.Required {
			testContext.Fatalf("charged %d but classified %d", result.QuotaCharged, result.Classified.Required)
		}
	}
	for user, total := range charged {
		if h.balance(testContext, user) != 100-total {
			testContext.Fatalf("user %s: expected balance %d, got %d", user, 100-total, h.balance(testContext, user))
		}
	}
	if charged["A"] != 5 || charged["B"] != 2 {
		testContext.Fatalf("unexpected charges %v", charged)
	}
}

func TestToggleModification(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")
	h.mustSession(testContext, "B")
	first := h.mustPlace(testContext, "A", quota.Edit{X: 0, Y: 0, Color: "#FF0000"})
	second := h.mustPlace(testContext, "B", quota.Edit{X: 0, Y: 0, Color: "#00FF00"})
	h.mustPlace(testContext, "B", quota.Edit{X: 5, Y: 5, Color: "#000000"})

	if pixel, _ := h.pixelAt(testContext, 0, 0); pixel.PlacedBy != "B" {
		testContext.Fatalf("unexpected pixel before toggle %+v", pixel)
	}

	_, err := h.service.ToggleModification(context.Background(), testBoardID, second.Record.ID, "B", false)
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) {
		testContext.Fatalf("expected forbidden for non-owner, got %v", err)
	}

	toggled, err := h.service.ToggleModification(context.Background(), testBoardID, second.Record.ID, testOwnerID, false)
	if err != nil || toggled.Enabled {
		testContext.Fatalf("toggle failed: %+v (%v)", toggled, err)
	}
	if pixel, _ := h.pixelAt(testContext, 0, 0); pixel.PlacedBy != "A" || pixel.SourceModificationID != first.Record.ID {
		testContext.Fatalf("expected A's pixel after disabling B's record, got %+v", pixel)
	}
	if pixel, ok := h.pixelAt(testContext, 5, 5); !ok || pixel.PlacedBy != "B" {
		testContext.Fatalf("other records must be unaffected, got %+v", pixel)
	}

	if _, err := h.service.ToggleModification(context.Background(), testBoardID, second.Record.ID, testOwnerID, true); err != nil {
		testContext.Fatalf("re-enable failed: %v", err)
	}
	if pixel, _ := h.pixelAt(testContext, 0, 0); pixel.PlacedBy != "B" {
		testContext.Fatalf("expected B's pixel after re-enabling, got %+v", pixel)
	}

	_, err = h.service.ToggleModification(context.Background(), testBoardID, "missing", testOwnerID, false)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) || notFound.Kind != KindModification {
		testContext.Fatalf("expected missing modification, got %v", err)
	}

	types := h.publisher.Types()
	if types[len(types)-1] != EventModificationToggled {
		testContext.Fatalf("expected toggle event, got %v", types)
	}
}

func TestLoadSessionOpensAndReplenishes(testContext *testing.T) {
	h := newHarness(testContext)
	account := h.mustSession(testContext, "A")
	if account.PixelQuota != 100 || account.Username != "A-name" {
		testContext.Fatalf("unexpected new account %+v", account)
	}
	h.mustPlace(testContext, "A", quota.Edit{X: 0, Y: 0, Color: "#FF0000"})

	again := h.mustSession(testContext, "A")
	if again.PixelQuota != 99 {
		testContext.Fatalf("expected no top-up on the same day, got %d", again.PixelQuota)
	}

	h.clock.Set(time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	replenished := h.mustSession(testContext, "A")
	if replenished.PixelQuota != 199 {
		testContext.Fatalf("expected one daily grant, got %d", replenished.PixelQuota)
	}
	if h.balance(testContext, "A") != 199 {
		testContext.Fatalf("expected replenished balance to be stored")
	}

	h.clock.Set(time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC))
	capped := h.mustSession(testContext, "A")
	if capped.PixelQuota != 299 {
		testContext.Fatalf("expected 299, got %d", capped.PixelQuota)
	}
	h.clock.Set(time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC))
	if capped := h.mustSession(testContext, "A"); capped.PixelQuota != 300 {
		testContext.Fatalf("expected cap at 300, got %d", capped.PixelQuota)
	}
}

func TestHistoryFiltersAndSnapshot(testContext *testing.T) {
	h := newHarness(testContext)
	h.mustSession(testContext, "A")
	h.mustSession(testContext, "B")
	first := h.mustPlace(testContext, "A", quota.Edit{X: 0, Y: 0, Color: "#FF0000"})
	h.mustPlace(testContext, "B", quota.Edit{X: 0, Y: 0, Color: "#00FF00"})
	h.mustPlace(testContext, "A", quota.Edit{X: 1, Y: 1, Color: "#0000FF"})

	all, err := h.service.History(context.Background(), testBoardID, HistoryFilter{})
	if err != nil || len(all.Records) != 3 || all.Records[0].CreatedAtMillis < all.Records[2].CreatedAtMillis {
		testContext.Fatalf("expected newest-first history, got %+v (%v)", all.Records, err)
	}

	byUser, err := h.service.History(context.Background(), testBoardID, HistoryFilter{UserID: "A", Limit: 1})
	if err != nil || len(byUser.Records) != 1 || byUser.Records[0].UserID != "A" {
		testContext.Fatalf("unexpected filtered history %+v (%v)", byUser.Records, err)
	}

	asOfFirst, err := h.service.History(context.Background(), testBoardID, HistoryFilter{Until: first.Record.CreatedAt()})
	if err != nil {
		testContext.Fatalf("history failed: %v", err)
	}
	if len(asOfFirst.Snapshot) != 1 || asOfFirst.Snapshot[0].PlacedBy != "A" {
		testContext.Fatalf("unexpected snapshot %+v", asOfFirst.Snapshot)
	}
}
