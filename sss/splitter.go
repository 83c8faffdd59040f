package sss

import (
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/steward-backup/interfaces"
)

// MaxShares bounds the roster size. The limit keeps distributions reviewable
// by a human owner; the underlying field supports up to 255 shares.
const MaxShares = 10

// Split divides secret into totalShares shares with the given threshold.
// Requires 2 <= threshold <= totalShares <= MaxShares and a non-empty secret;
// violations fail with interfaces.ErrInvalidParameters and are never retried.
func Split(secret []byte, threshold, totalShares int) ([]interfaces.Share, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", interfaces.ErrInvalidParameters)
	}
	if threshold < 2 || threshold > totalShares || totalShares > MaxShares {
		return nil, fmt.Errorf("%w: threshold=%d totalShares=%d", interfaces.ErrInvalidParameters, threshold, totalShares)
	}

	parts, err := shamir.Split(secret, totalShares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]interfaces.Share, len(parts))
	for i, part := range parts {
		shares[i] = interfaces.Share{
			Index:       i + 1,
			Threshold:   threshold,
			TotalShares: totalShares,
			FieldID:     interfaces.GF256Field,
			Data:        part,
		}
	}
	return shares, nil
}

// Reconstruct recovers the secret from a share subset. It requires at least
// the embedded threshold of shares agreeing on field, threshold and total
// count. Duplicate indexes are collapsed before counting. The result is
// deterministic regardless of share order or which qualifying subset is
// supplied.
func Reconstruct(shares []interfaces.Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, interfaces.ErrInsufficientShares
	}

	ref := shares[0]
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	byIndex := make(map[int][]byte, len(shares))
	for _, s := range shares {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.Threshold != ref.Threshold || s.TotalShares != ref.TotalShares || s.FieldID != ref.FieldID {
			return nil, fmt.Errorf("%w: shares disagree on split parameters", interfaces.ErrInconsistentShares)
		}
		if len(s.Data) != len(ref.Data) {
			return nil, fmt.Errorf("%w: shares disagree on secret length", interfaces.ErrInconsistentShares)
		}
		byIndex[s.Index] = s.Data
	}

	if len(byIndex) < ref.Threshold {
		return nil, fmt.Errorf("%w: have %d distinct shares, need %d",
			interfaces.ErrInsufficientShares, len(byIndex), ref.Threshold)
	}

	parts := make([][]byte, 0, len(byIndex))
	for _, data := range byIndex {
		parts = append(parts, data)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInconsistentShares, err)
	}
	return secret, nil
}
