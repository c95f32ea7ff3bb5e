package store

import (
	"context"
	"errors"
	"time"
)

// LeaseTTL is how long a claim may sit before another worker treats it as
// stuck and takes over. Matches the scheduler's abandoned-claim sweep.
const LeaseTTL = 5 * time.Minute

// ErrLeaseHeld is returned when another holder has a live claim on the
// source.
var ErrLeaseHeld = errors.New("store: source lease held by another worker")

// AcquireLease claims a source for holder. A live claim by someone else
// fails with ErrLeaseHeld; an expired claim is taken over; re-acquiring
// one's own claim refreshes it.
func (s *Store) AcquireLease(ctx context.Context, sourceID, holder string) error {
	now := s.now()
	cutoff := now.Add(-LeaseTTL).UnixMilli()

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO source_leases (source_id, holder, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at
		WHERE source_leases.holder = excluded.holder
		   OR source_leases.acquired_at < ?`,
		sourceID, holder, now.UnixMilli(), cutoff)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the claim if holder still owns it. Releasing a lease
// someone else took over is a no-op, not an error.
func (s *Store) ReleaseLease(ctx context.Context, sourceID, holder string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM source_leases WHERE source_id = ? AND holder = ?`,
		sourceID, holder)
	return err
}

// SweepLeases removes every expired claim. The scheduler runs this on
// startup and each tick so worker crashes free their sources within the
// TTL.
func (s *Store) SweepLeases(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-LeaseTTL).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM source_leases WHERE acquired_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
