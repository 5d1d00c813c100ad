package wallet

import (
	"context"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/pactplay/internal/errors"
	"github.com/ggonzalez94/pactplay/internal/pact"
)

// Sender is the broadcast half of the Pact API client.
type Sender interface {
	Send(ctx context.Context, networkID, chainID string, tx pact.Transaction) (string, error)
}

// Broadcast validates payload and submits it exactly once through s.
func Broadcast(ctx context.Context, s Sender, provider string, payload SignedPayload, now time.Time) (SubmissionRecord, error) {
	if err := ValidatePayload(payload); err != nil {
		return SubmissionRecord{}, err
	}
	key, err := s.Send(ctx, payload.NetworkID, payload.ChainID, payload.Transaction())
	if err != nil {
		return SubmissionRecord{}, err
	}
	return NewPendingRecord(provider, payload, key, now), nil
}

// ValidatePayload checks that payload is complete and its hash matches its cmd.
func ValidatePayload(payload SignedPayload) error {
	if strings.TrimSpace(payload.Cmd) == "" {
		return clierr.New(clierr.CodeUsage, "signed payload has no command")
	}
	if strings.TrimSpace(payload.NetworkID) == "" || strings.TrimSpace(payload.ChainID) == "" {
		return clierr.New(clierr.CodeUsage, "signed payload is missing network or chain id")
	}
	if pact.HashCommand(payload.Cmd) != payload.Hash {
		return clierr.New(clierr.CodeUsage, "signed payload hash does not match its command")
	}
	if payload.Transaction().Unsigned() {
		return clierr.New(clierr.CodeUsage, "signed payload has empty signature slots")
	}
	return nil
}
