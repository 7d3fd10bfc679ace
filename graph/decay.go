package graph

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/BaSui01/engram/types"
)

// ApplyDecay recomputes decay_score for every record as an absolute
// function of time since last access:
//
//	decay_score = factor^(elapsed / half_life)
//
// The sweep runs in bounded chunks with a pacing limiter between them,
// and checks ctx between chunks so a shutdown never waits on a full
// table scan. Returns the number of records updated.
func (s *Store) ApplyDecay(ctx context.Context, now time.Time) (int, error) {
	limiter := s.sweepLimiter()
	touched := 0
	lastID := ""

	for {
		if err := ctx.Err(); err != nil {
			return touched, err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return touched, err
			}
		}

		n, nextID, err := s.decayChunk(ctx, now, lastID)
		if err != nil {
			return touched, types.NewError(types.ErrStore, "decay sweep").WithCause(err)
		}
		touched += n
		if nextID == "" {
			break
		}
		lastID = nextID
	}

	if s.collector != nil && touched > 0 {
		s.collector.RecordDecay(touched)
	}
	s.logger.Debug("decay sweep complete", zap.Int("records", touched))
	return touched, nil
}

// decayChunk updates one chunk of records ordered by id, returning the
// last id seen so the next chunk resumes after it.
func (s *Store) decayChunk(ctx context.Context, now time.Time, afterID string) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	halfLife := s.config.DecayHalfLife
	if halfLife <= 0 {
		halfLife = DefaultConfig().DecayHalfLife
	}
	factor := s.config.DecayFactor
	if factor <= 0 || factor >= 1 {
		factor = DefaultConfig().DecayFactor
	}

	updated := 0
	lastID := ""
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var rows []recordRow
		q := tx.Select("id", "last_accessed_at", "decay_score").Order("id").Limit(s.config.ChunkSize)
		if afterID != "" {
			q = q.Where("id > ?", afterID)
		}
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			lastID = rows[i].ID
			elapsed := now.Sub(rows[i].LastAccessedAt)
			if elapsed < 0 {
				elapsed = 0
			}
			score := math.Pow(factor, elapsed.Hours()/halfLife.Hours())
			if math.Abs(score-rows[i].DecayScore) < 1e-9 {
				continue
			}
			if err := tx.Model(&recordRow{}).Where("id = ?", rows[i].ID).
				Update("decay_score", score).Error; err != nil {
				return err
			}
			updated++
		}
		if len(rows) < s.config.ChunkSize {
			lastID = ""
		}
		return nil
	})
	return updated, lastID, err
}

// GarbageCollect removes fully decayed, rarely accessed records. Pinned
// and procedural records are never removed regardless of score. Runs
// chunked like ApplyDecay. Returns the number of records removed.
func (s *Store) GarbageCollect(ctx context.Context) (int, error) {
	limiter := s.sweepLimiter()
	removed := 0

	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return removed, err
			}
		}

		n, err := s.gcChunk(ctx)
		if err != nil {
			return removed, types.NewError(types.ErrStore, "garbage collection").WithCause(err)
		}
		removed += n
		if n < s.config.ChunkSize {
			break
		}
	}

	if s.collector != nil && removed > 0 {
		s.collector.RecordGC(removed)
	}
	if removed > 0 {
		s.logger.Info("garbage collected memory records", zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *Store) gcChunk(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&recordRow{}).
			Where("decay_score < ? AND access_count < ? AND pinned = ? AND type != ?",
				s.config.GCScoreFloor, s.config.GCMinAccess, false, string(types.MemoryTypeProcedural)).
			Order("id").
			Limit(s.config.ChunkSize).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("id IN ?", ids).Delete(&recordRow{})
		if res.Error != nil {
			return res.Error
		}
		removed = int(res.RowsAffected)
		return nil
	})
	return removed, err
}

func (s *Store) sweepLimiter() *rate.Limiter {
	if s.config.SweepsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.config.SweepsPerSecond), 1)
}
