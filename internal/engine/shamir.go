package engine

import (
	"context"
	"sort"
	"time"

	"trustlog/internal/certif"
	"trustlog/internal/issue"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// SetupShamirRecovery declares the local user's recovery secret split across
// the given recipients. The setup certificate is issued first, then one share
// certificate per recipient in deterministic order.
func (e *Engine) SetupShamirRecovery(ctx context.Context, threshold int, shares map[domain.UserID]int) (*issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return nil, err
	}
	if threshold < 1 {
		return nil, errors.Newf(errors.CodeInvalidInput, "threshold %d is not positive", threshold)
	}
	if len(shares) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "at least one share recipient is required")
	}
	total := 0
	for recipient, weight := range shares {
		if recipient == e.identity.User {
			return nil, errors.New(errors.CodeSelfSigned, "cannot hold a share of one's own recovery secret")
		}
		if weight < 1 {
			return nil, errors.Newf(errors.CodeInvalidInput, "share weight %d is not positive", weight)
		}
		total += weight
	}
	if total < threshold {
		return nil, errors.Newf(errors.CodeInvalidInput,
			"total share weight %d cannot reach threshold %d", total, threshold)
	}

	outcome, err := e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(certif.ShamirSetup{User: e.identity.User, Threshold: threshold}, t)
	})
	if err != nil {
		return nil, err
	}

	for _, recipient := range sortedRecipients(shares) {
		weight := shares[recipient]
		if _, err := e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
			return e.sign(certif.ShamirShare{
				User:      e.identity.User,
				Recipient: recipient,
				Weight:    weight,
			}, t)
		}); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

func sortedRecipients(shares map[domain.UserID]int) []domain.UserID {
	out := make([]domain.UserID, 0, len(shares))
	for recipient := range shares {
		out = append(out, recipient)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
