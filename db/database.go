package db

import (
	"database/sql"
	"fmt"
	"log"

	"SyncFM/config"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

var DB *sql.DB

// ConnectDB establishes a connection to the database.
func ConnectDB(cfg *config.Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	var err error
	DB, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	if err = DB.Ping(); err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Successfully connected to the database.")
	return nil
}

// InitDB initializes the database schema, creating tables if they don't exist.
// Rooms and members are managed through GORM auto-migration; the tables here
// are the ones accessed through raw SQL repositories.
func InitDB() error {
	if err := createUsersTable(); err != nil {
		return err
	}
	if err := createTracksTable(); err != nil {
		return err
	}
	if err := createVotesTable(); err != nil {
		return err
	}

	log.Println("Database initialization completed.")
	return nil
}

func createUsersTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		email VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

func createTracksTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tracks (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		room_id VARCHAR(8) NOT NULL,
		uploader_id BIGINT NOT NULL,
		title VARCHAR(255) NOT NULL,
		artist VARCHAR(255) DEFAULT '',
		object_key VARCHAR(512) NOT NULL,
		duration DOUBLE NOT NULL DEFAULT 0,
		vote_score INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3),
		updated_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		INDEX idx_tracks_room (room_id),
		INDEX idx_tracks_room_created (room_id, created_at)
	)`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create tracks table: %w", err)
	}
	return nil
}

// createVotesTable 创建投票表
// (track_id, user_id) 唯一索引由数据库兜底去重，并发重复投票不会双计
func createVotesTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS votes (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		track_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uniq_votes_track_user (track_id, user_id),
		INDEX idx_votes_track (track_id)
	)`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create votes table: %w", err)
	}
	return nil
}
