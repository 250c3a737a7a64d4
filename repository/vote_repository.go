package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"SyncFM/db"
)

// ErrDuplicateVote 同一用户对同一曲目重复投票
var ErrDuplicateVote = errors.New("duplicate vote")

// VoteRepository defines the interface for vote data operations.
// votes 表是 vote_score 的唯一事实来源，计数永远来自 CountByTrack
type VoteRepository interface {
	CreateVote(trackID, userID int64) error
	DeleteVote(trackID, userID int64) (bool, error)
	CountByTrack(trackID int64) (int, error)
	DeleteByTrack(trackID int64) error
}

// mysqlVoteRepository implements VoteRepository for MySQL.
type mysqlVoteRepository struct {
	DB *sql.DB
}

// NewMySQLVoteRepository creates a new instance of mysqlVoteRepository.
func NewMySQLVoteRepository() VoteRepository {
	return &mysqlVoteRepository{DB: db.DB}
}

// CreateVote inserts a vote. The unique index on (track_id, user_id)
// turns a concurrent duplicate into ErrDuplicateVote.
func (r *mysqlVoteRepository) CreateVote(trackID, userID int64) error {
	_, err := r.DB.Exec("INSERT INTO votes (track_id, user_id) VALUES (?, ?)", trackID, userID)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrDuplicateVote
		}
		return fmt.Errorf("failed to insert vote (track=%d user=%d): %w", trackID, userID, err)
	}
	return nil
}

// DeleteVote removes a vote, reporting whether a row existed.
func (r *mysqlVoteRepository) DeleteVote(trackID, userID int64) (bool, error) {
	res, err := r.DB.Exec("DELETE FROM votes WHERE track_id = ? AND user_id = ?", trackID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete vote (track=%d user=%d): %w", trackID, userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountByTrack returns the authoritative vote count for a track.
func (r *mysqlVoteRepository) CountByTrack(trackID int64) (int, error) {
	var count int
	err := r.DB.QueryRow("SELECT COUNT(*) FROM votes WHERE track_id = ?", trackID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes for track %d: %w", trackID, err)
	}
	return count, nil
}

// DeleteByTrack removes all votes of a deleted track.
func (r *mysqlVoteRepository) DeleteByTrack(trackID int64) error {
	_, err := r.DB.Exec("DELETE FROM votes WHERE track_id = ?", trackID)
	if err != nil {
		return fmt.Errorf("failed to delete votes for track %d: %w", trackID, err)
	}
	return nil
}
