package repository

import (
	"database/sql"
	"fmt"
	"time"

	"SyncFM/db"
	"SyncFM/model"
)

// TrackRepository defines the interface for track data operations.
type TrackRepository interface {
	CreateTrack(track *model.Track) (int64, error)
	GetTrackByID(id int64) (*model.Track, error)
	// GetTracksByRoomID 按到达时间升序返回房间全部曲目，
	// 排序交给 core/queue 在内存中完成
	GetTracksByRoomID(roomID string) ([]*model.Track, error)
	UpdateVoteScore(trackID int64, score int) error
	DeleteTrack(trackID int64) error
}

// mysqlTrackRepository implements TrackRepository for MySQL.
type mysqlTrackRepository struct {
	DB *sql.DB
}

// NewMySQLTrackRepository creates a new instance of mysqlTrackRepository.
func NewMySQLTrackRepository() TrackRepository {
	return &mysqlTrackRepository{DB: db.DB}
}

// CreateTrack adds a new track to the database.
func (r *mysqlTrackRepository) CreateTrack(track *model.Track) (int64, error) {
	query := `INSERT INTO tracks (room_id, uploader_id, title, artist, object_key, duration, vote_score, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`
	stmt, err := r.DB.Prepare(query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement for CreateTrack: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	res, err := stmt.Exec(track.RoomID, track.UploaderID, track.Title, track.Artist, track.ObjectKey, track.Duration, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to execute CreateTrack: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for CreateTrack: %w", err)
	}
	track.ID = id
	track.CreatedAt = now
	track.UpdatedAt = now
	return id, nil
}

// GetTrackByID retrieves a track by its ID. Returns nil when absent.
func (r *mysqlTrackRepository) GetTrackByID(id int64) (*model.Track, error) {
	query := `SELECT id, room_id, uploader_id, title, artist, object_key, duration, vote_score, created_at, updated_at
	           FROM tracks WHERE id = ?`
	row := r.DB.QueryRow(query, id)

	track := &model.Track{}
	err := row.Scan(&track.ID, &track.RoomID, &track.UploaderID, &track.Title, &track.Artist,
		&track.ObjectKey, &track.Duration, &track.VoteScore, &track.CreatedAt, &track.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan track row for ID %d: %w", id, err)
	}
	return track, nil
}

// GetTracksByRoomID retrieves all tracks of a room, arrival order.
func (r *mysqlTrackRepository) GetTracksByRoomID(roomID string) ([]*model.Track, error) {
	query := `SELECT id, room_id, uploader_id, title, artist, object_key, duration, vote_score, created_at, updated_at
	           FROM tracks WHERE room_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.Query(query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks for room %s: %w", roomID, err)
	}
	defer rows.Close()

	tracks := make([]*model.Track, 0)
	for rows.Next() {
		track := &model.Track{}
		if err := rows.Scan(&track.ID, &track.RoomID, &track.UploaderID, &track.Title, &track.Artist,
			&track.ObjectKey, &track.Duration, &track.VoteScore, &track.CreatedAt, &track.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan track row: %w", err)
		}
		tracks = append(tracks, track)
	}
	return tracks, rows.Err()
}

// UpdateVoteScore persists a freshly recounted vote score.
func (r *mysqlTrackRepository) UpdateVoteScore(trackID int64, score int) error {
	_, err := r.DB.Exec("UPDATE tracks SET vote_score = ?, updated_at = ? WHERE id = ?", score, time.Now(), trackID)
	if err != nil {
		return fmt.Errorf("failed to update vote score for track %d: %w", trackID, err)
	}
	return nil
}

// DeleteTrack removes a track row.
func (r *mysqlTrackRepository) DeleteTrack(trackID int64) error {
	_, err := r.DB.Exec("DELETE FROM tracks WHERE id = ?", trackID)
	if err != nil {
		return fmt.Errorf("failed to delete track %d: %w", trackID, err)
	}
	return nil
}
