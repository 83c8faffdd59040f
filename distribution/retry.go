package distribution

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/vaultstate"
)

func retryKey(vaultID interfaces.VaultID, steward interfaces.IdentityKey) string {
	return vaultID.String() + "/" + steward.String()
}

// scheduleRetry arms a redelivery timer for one inactive steward. Attempts
// are bounded; past the limit the holder stays inactive and is surfaced
// through StuckHolders.
func (c *Coordinator) scheduleRetry(vaultID interfaces.VaultID, steward interfaces.IdentityKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := retryKey(vaultID, steward)
	st, ok := c.retries[key]
	if !ok {
		st = &retryState{}
		c.retries[key] = st
	}
	if st.attempts >= c.maxRetries {
		c.log.Warn("giving up on share redelivery",
			slog.String("vault_id", vaultID.String()),
			slog.String("steward", steward.String()),
			slog.Int("attempts", st.attempts))
		return
	}

	delay := c.retryBase << st.attempts
	st.attempts++
	st.cancel = c.scheduler.Schedule(delay, func() {
		c.redeliver(vaultID, steward)
	})
}

func (c *Coordinator) cancelRetry(vaultID interfaces.VaultID, steward interfaces.IdentityKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := retryKey(vaultID, steward)
	if st, ok := c.retries[key]; ok {
		if st.cancel != nil {
			st.cancel()
		}
		delete(c.retries, key)
	}
}

func (c *Coordinator) cancelVaultRetries(vaultID interfaces.VaultID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := vaultID.String() + "/"
	for key, st := range c.retries {
		if strings.HasPrefix(key, prefix) {
			if st.cancel != nil {
				st.cancel()
			}
			delete(c.retries, key)
		}
	}
}

// redeliver rebuilds the steward's envelope from the escrow copy and
// publishes it again. Holders that confirmed or were revoked in the
// meantime are skipped.
func (c *Coordinator) redeliver(vaultID interfaces.VaultID, steward interfaces.IdentityKey) {
	ctx := context.Background()

	unlock := c.guard.Lock(vaultID)
	defer unlock()

	cfg, err := vaultstate.LoadConfig(ctx, c.store, vaultID)
	if err != nil {
		c.log.Error("loading vault config for redelivery", slog.Any("err", err))
		return
	}

	holder := cfg.HolderByKey(steward)
	if holder == nil || holder.Status != interfaces.HolderInactive {
		return
	}
	if len(holder.EncryptedShare) == 0 {
		c.log.Error("no escrow copy for redelivery",
			slog.String("steward", steward.String()))
		return
	}

	escrowKey := cryptoutils.DeriveEscrowKey(c.escrowSecret, vaultID)
	raw, err := cryptoutils.UnwrapShare(escrowKey, holder.EncryptedShare)
	if err != nil {
		c.log.Error("unwrapping escrow share for redelivery", slog.Any("err", err))
		return
	}
	var share interfaces.Share
	if err := json.Unmarshal(raw, &share); err != nil {
		c.log.Error("decoding escrow share for redelivery", slog.Any("err", err))
		return
	}

	c.log.Info("redelivering share",
		slog.String("vault_id", vaultID.String()),
		slog.String("steward", steward.String()))
	c.publishShare(ctx, cfg, holder, share)

	if err := vaultstate.SaveConfig(ctx, c.store, cfg); err != nil {
		c.log.Error("persisting vault config after redelivery", slog.Any("err", err))
	}
}
