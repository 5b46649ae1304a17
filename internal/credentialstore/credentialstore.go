// Package credentialstore implements C2: the bot definition lifecycle and
// the security-critical atomic swap from one-time registration token to
// long-lived API key.
package credentialstore

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/basket/botcore/internal/observability"
	"github.com/basket/botcore/internal/statestore"
)

// ErrAuthFailed is returned by ConsumeOneTime for any credential mismatch
// (VerifyLongLived reports a mismatch as false instead). It deliberately
// carries no detail about which check failed, so callers cannot use it to
// probe for valid bot_ids.
var ErrAuthFailed = errors.New("credentialstore: authentication failed")

// DefinitionSpec is the caller-supplied half of a BotDefinition; the store
// fills in created_at, and fills in bot_id too unless BotID is set.
type DefinitionSpec struct {
	// BotID pins the definition to a caller-chosen bot_id instead of
	// minting a fresh random one. Used by seed bots, whose bot_id comes
	// from config.yaml and must stay stable across restarts so re-seeding
	// is idempotent.
	BotID                string
	Name                 string
	Description          string
	AdapterType          string
	DeclaredCapabilities []string
	Configuration        map[string]string
}

// Store owns definition and credential lifecycle on top of a StateStore.
type Store struct {
	state statestore.StateStore
	bus   *observability.Bus
}

func New(state statestore.StateStore, bus *observability.Bus) *Store {
	return &Store{state: state, bus: bus}
}

// CreateDefinition generates a fresh high-entropy bot_id and a 128-bit
// cryptographically random one-time token, persists the definition and the
// token, and returns both. The token is not recoverable from any read API
// afterward; the bot_id is part of every definition the read APIs return.
func (s *Store) CreateDefinition(ctx context.Context, spec DefinitionSpec) (botID, oneTimeToken string, err error) {
	botID = spec.BotID
	if botID == "" {
		botID, err = generateBotID()
		if err != nil {
			return "", "", fmt.Errorf("credentialstore: generate bot_id: %w", err)
		}
	}
	oneTimeToken, err = generateToken(16) // 128 bits
	if err != nil {
		return "", "", fmt.Errorf("credentialstore: generate one_time_token: %w", err)
	}

	def := statestore.BotDefinition{
		BotID:                botID,
		Name:                 spec.Name,
		Description:          spec.Description,
		AdapterType:          spec.AdapterType,
		DeclaredCapabilities: spec.DeclaredCapabilities,
		Configuration:        spec.Configuration,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.state.CreateDefinition(ctx, def, oneTimeToken); err != nil {
		return "", "", err
	}
	return botID, oneTimeToken, nil
}

// ConsumeOneTime performs the atomic compare-and-swap from one-time token
// to long-lived key. It is non-replayable: of any concurrent callers
// presenting the same token, exactly one succeeds.
func (s *Store) ConsumeOneTime(ctx context.Context, botID, candidateToken string) (longLivedKey string, err error) {
	if botID == "" || candidateToken == "" {
		return "", ErrAuthFailed
	}
	longLivedKey, err = generateToken(32) // 256 bits
	if err != nil {
		return "", fmt.Errorf("credentialstore: generate long_lived_key: %w", err)
	}

	if err := s.state.ConsumeOneTimeToken(ctx, botID, candidateToken, longLivedKey); err != nil {
		if errors.Is(err, statestore.ErrNotFound) || errors.Is(err, statestore.ErrConflict) {
			return "", ErrAuthFailed
		}
		return "", err
	}

	if s.bus != nil {
		s.bus.Publish(observability.TopicCredentialConsumed, observability.CredentialConsumedEvent{BotID: botID})
	}
	return longLivedKey, nil
}

// VerifyLongLived performs a constant-time comparison of candidateKey
// against the stored long-lived key for botID.
func (s *Store) VerifyLongLived(ctx context.Context, botID, candidateKey string) bool {
	if botID == "" || candidateKey == "" {
		return false
	}
	stored, err := s.state.GetLongLivedKey(ctx, botID)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidateKey), []byte(stored)) == 1
}

// DeleteDefinition removes a definition and both its credentials, then
// publishes DefinitionDeletedEvent so the session manager can close any
// live instances of that bot_id.
func (s *Store) DeleteDefinition(ctx context.Context, botID string) error {
	if err := s.state.DeleteDefinition(ctx, botID); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(observability.TopicDefinitionDeleted, observability.DefinitionDeletedEvent{BotID: botID})
	}
	return nil
}

// GetDefinition, ListDefinitions, and UpdateDefinition pass through to the
// underlying StateStore; they never expose credential material.
func (s *Store) GetDefinition(ctx context.Context, botID string) (statestore.BotDefinition, error) {
	return s.state.GetDefinition(ctx, botID)
}

func (s *Store) ListDefinitions(ctx context.Context) ([]statestore.BotDefinition, error) {
	return s.state.ListDefinitions(ctx)
}

func (s *Store) UpdateDefinition(ctx context.Context, def statestore.BotDefinition) error {
	return s.state.UpdateDefinition(ctx, def)
}

func generateBotID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "bot_" + hex.EncodeToString(buf), nil
}

func generateToken(numBytes int) (string, error) {
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
