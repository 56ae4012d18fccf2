package data

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// MatchRecord is the outcome of one concluded match.
type MatchRecord struct {
	ID        uint64 `gorm:"primaryKey"`
	StartedAt time.Time
	EndedAt   time.Time `gorm:"index"`
	// Winner is the player number of the last player standing.
	Winner int32
	// Players is how many players joined the match.
	Players int
}

// Duration is how long the match lasted.
func (m *MatchRecord) Duration() time.Duration {
	return m.EndedAt.Sub(m.StartedAt)
}

// MatchStore persists match history.
type MatchStore struct {
	DB *gorm.DB
}

// RecordMatch persists a concluded match.
func (s *MatchStore) RecordMatch(ctx context.Context, match *MatchRecord) error {
	return s.DB.WithContext(ctx).Create(match).Error
}

// RecentMatches returns up to limit matches, most recently ended first.
func (s *MatchStore) RecentMatches(ctx context.Context, limit int) ([]MatchRecord, error) {
	var matches []MatchRecord
	err := s.DB.WithContext(ctx).
		Order("ended_at desc").
		Order("id desc").
		Limit(limit).
		Find(&matches).Error
	return matches, err
}

// FindMatchByID returns the match with id, or nil if there is none.
func (s *MatchStore) FindMatchByID(ctx context.Context, id uint64) (*MatchRecord, error) {
	var match MatchRecord
	err := s.DB.WithContext(ctx).First(&match, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &match, nil
}

// WinsByPlayer counts the recorded wins for each player number.
func (s *MatchStore) WinsByPlayer(ctx context.Context) (map[int32]int64, error) {
	var rows []struct {
		Winner int32
		Wins   int64
	}
	err := s.DB.WithContext(ctx).
		Model(&MatchRecord{}).
		Select("winner, count(*) as wins").
		Group("winner").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	wins := make(map[int32]int64, len(rows))
	for _, row := range rows {
		wins[row.Winner] = row.Wins
	}
	return wins, nil
}
