package credentialstore_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/basket/botcore/internal/credentialstore"
	"github.com/basket/botcore/internal/observability"
	"github.com/basket/botcore/internal/statestore"
)

func newStore(t *testing.T) (*credentialstore.Store, *observability.Bus) {
	t.Helper()
	bus := observability.New()
	return credentialstore.New(statestore.NewMemoryStore(), bus), bus
}

func TestCreateDefinition_ReturnsDistinctBotIDAndToken(t *testing.T) {
	store, _ := newStore(t)
	botID1, token1, err := store.CreateDefinition(t.Context(), credentialstore.DefinitionSpec{Name: "b1"})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	botID2, token2, err := store.CreateDefinition(t.Context(), credentialstore.DefinitionSpec{Name: "b2"})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	if botID1 == botID2 {
		t.Fatal("expected distinct bot_ids")
	}
	if token1 == token2 {
		t.Fatal("expected distinct one_time_tokens")
	}
}

func TestConsumeOneTime_SuccessReturnsWorkingLongLivedKey(t *testing.T) {
	store, _ := newStore(t)
	botID, token, err := store.CreateDefinition(t.Context(), credentialstore.DefinitionSpec{Name: "b1"})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}

	key, err := store.ConsumeOneTime(t.Context(), botID, token)
	if err != nil {
		t.Fatalf("ConsumeOneTime: %v", err)
	}
	if !store.VerifyLongLived(t.Context(), botID, key) {
		t.Fatal("expected freshly issued long-lived key to verify")
	}
}

func TestConsumeOneTime_WrongTokenFails(t *testing.T) {
	store, _ := newStore(t)
	botID, _, err := store.CreateDefinition(t.Context(), credentialstore.DefinitionSpec{Name: "b1"})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	if _, err := store.ConsumeOneTime(t.Context(), botID, "wrong-token"); !errors.Is(err, credentialstore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestConsumeOneTime_UnknownBotFails(t *testing.T) {
	store, _ := newStore(t)
	if _, err := store.ConsumeOneTime(t.Context(), "no-such-bot", "tok"); !errors.Is(err, credentialstore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestConsumeOneTime_NonReplayable(t *testing.T) {
	store, _ := newStore(t)
	botID, token, err := store.CreateDefinition(t.Context(), credentialstore.DefinitionSpec{Name: "b1"})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.ConsumeOneTime(t.Context(), botID, token)
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 successful consume, got %d", count)
	}
}

func TestConsumeOneTime_PublishesCredentialConsumedEvent(t *testing.T) {
	store, bus := newStore(t)
	sub := bus.Subscribe(observability.TopicCredentialConsumed)
	defer bus.Unsubscribe(sub)

	botID, token, err := store.CreateDefinition(t.Context(), credentialstore.DefinitionSpec{Name: "b1"})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	if _, err := store.ConsumeOneTime(t.Context(), botID, token); err != nil {
		t.Fatalf("ConsumeOneTime: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(observability.CredentialConsumedEvent)
		if !ok || payload.BotID != botID {
			t.Fatalf("unexpected event payload: %#v", ev.Payload)
		}
	default:
		t.Fatal("expected CredentialConsumedEvent to be published")
	}
}

func TestVerifyLongLived_WrongKeyFails(t *testing.T) {
	store, _ := newStore(t)
	botID, token, err := store.CreateDefinition(t.Context(), credentialstore.DefinitionSpec{Name: "b1"})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	if _, err := store.ConsumeOneTime(t.Context(), botID, token); err != nil {
		t.Fatalf("ConsumeOneTime: %v", err)
	}
	if store.VerifyLongLived(t.Context(), botID, "not-the-key") {
		t.Fatal("expected verification to fail for wrong key")
	}
}

func TestDeleteDefinition_PublishesDefinitionDeletedEvent(t *testing.T) {
	store, bus := newStore(t)
	sub := bus.Subscribe(observability.TopicDefinitionDeleted)
	defer bus.Unsubscribe(sub)

	botID, _, err := store.CreateDefinition(t.Context(), credentialstore.DefinitionSpec{Name: "b1"})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	if err := store.DeleteDefinition(t.Context(), botID); err != nil {
		t.Fatalf("DeleteDefinition: %v", err)
	}

	if _, err := store.GetDefinition(t.Context(), botID); !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(observability.DefinitionDeletedEvent)
		if !ok || payload.BotID != botID {
			t.Fatalf("unexpected event payload: %#v", ev.Payload)
		}
	default:
		t.Fatal("expected DefinitionDeletedEvent to be published")
	}
}
