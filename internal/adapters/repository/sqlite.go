package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/metrics"
)

const driverSQLite = "sqlite"

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists state in a SQLite file.
type SQLiteStore struct {
	sqlDB *sql.DB
	opts  options
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite would serialize writes anyway.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := addColumn(sqlDB, "users", "preferences TEXT"); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &SQLiteStore{sqlDB: sqlDB, opts: o}, nil
}

func (s *SQLiteStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (model.User, error) {
	defer observe(driverSQLite, "get_user", time.Now())
	if err := s.check(ctx); err != nil {
		return model.User{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT user_id, feedback_last_used, registration_date, answers, preferences
		   FROM users
		  WHERE user_id = ?`,
		userID,
	)
	var u model.User
	var answers, prefs sql.NullString
	if err := row.Scan(&u.UserID, &u.FeedbackLastUsed, &u.RegistrationDate, &answers, &prefs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("get user: %w", err)
	}
	if answers.Valid && answers.String != "" {
		if err := json.Unmarshal([]byte(answers.String), &u.Answers); err != nil {
			return model.User{}, fmt.Errorf("decode answers: %w", err)
		}
	}
	if prefs.Valid && prefs.String != "" {
		u.Preferences = &model.Preferences{}
		if err := json.Unmarshal([]byte(prefs.String), u.Preferences); err != nil {
			return model.User{}, fmt.Errorf("decode preferences: %w", err)
		}
	}
	return u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user model.User) error {
	defer observe(driverSQLite, "create_user", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	if user.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidRecord)
	}
	answers, err := encodeOptional(user.Answers, len(user.Answers) == 0)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	prefs, err := encodeOptional(user.Preferences, user.Preferences == nil)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (user_id, feedback_last_used, registration_date, answers, preferences)
		 VALUES (?, ?, ?, ?, ?)`,
		user.UserID, user.FeedbackLastUsed, user.RegistrationDate, answers, prefs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.UserID, ErrAlreadyExists)
		}
		return fmt.Errorf("create user: %w", err)
	}
	s.updateUserGauge(ctx)
	return nil
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, userID string) error {
	defer observe(driverSQLite, "delete_user", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feedback WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete feedback: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	s.updateUserGauge(ctx)
	return nil
}

func (s *SQLiteStore) UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) error {
	defer observe(driverSQLite, "update_preferences", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	doc, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users SET preferences = ? WHERE user_id = ?`, string(doc), userID)
	if err != nil {
		return fmt.Errorf("update preferences: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetFeedbackSince(ctx context.Context, userID string, ts int64) ([]model.Feedback, error) {
	defer observe(driverSQLite, "get_feedback_since", time.Now())
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, user_id, video_id, rating, more_topics, less_topics,
		        total_watch_time, dislike_reasons, ts
		   FROM feedback
		  WHERE user_id = ? AND ts > ?
		  ORDER BY ts`,
		userID, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Feedback
	for rows.Next() {
		var fb model.Feedback
		var more, less, reasons sql.NullString
		if err := rows.Scan(&fb.ID, &fb.UserID, &fb.VideoID, &fb.Rating, &more, &less,
			&fb.TotalWatchTime, &reasons, &fb.Timestamp); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if err := decodeList(more, &fb.More); err != nil {
			return nil, err
		}
		if err := decodeList(less, &fb.Less); err != nil {
			return nil, err
		}
		if err := decodeList(reasons, &fb.DislikeReasons); err != nil {
			return nil, err
		}
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendFeedback(ctx context.Context, fb model.Feedback) (model.Feedback, error) {
	defer observe(driverSQLite, "append_feedback", time.Now())
	if err := s.check(ctx); err != nil {
		return model.Feedback{}, err
	}
	more, err := encodeOptional(fb.More, len(fb.More) == 0)
	if err != nil {
		return model.Feedback{}, err
	}
	less, err := encodeOptional(fb.Less, len(fb.Less) == 0)
	if err != nil {
		return model.Feedback{}, err
	}
	reasons, err := encodeOptional(fb.DislikeReasons, len(fb.DislikeReasons) == 0)
	if err != nil {
		return model.Feedback{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Writing first takes the write lock, so the timestamp pick is serialized.
	now := s.opts.now().UnixMilli()
	row := tx.QueryRowContext(ctx,
		`UPDATE users
		    SET last_feedback_ts = MAX(?, last_feedback_ts + 1, feedback_last_used + 1)
		  WHERE user_id = ?
		RETURNING last_feedback_ts`,
		now, fb.UserID,
	)
	if err := row.Scan(&fb.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Feedback{}, fmt.Errorf("user %s: %w", fb.UserID, ErrNotFound)
		}
		return model.Feedback{}, fmt.Errorf("stamp feedback: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO feedback (id, user_id, video_id, rating, more_topics, less_topics,
		                       total_watch_time, dislike_reasons, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.UserID, fb.VideoID, fb.Rating, more, less,
		fb.TotalWatchTime, reasons, fb.Timestamp,
	); err != nil {
		return model.Feedback{}, fmt.Errorf("insert feedback: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Feedback{}, fmt.Errorf("commit append: %w", err)
	}
	return fb, nil
}

func (s *SQLiteStore) AdvanceWatermark(ctx context.Context, userID string, from, to int64) error {
	defer observe(driverSQLite, "advance_watermark", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	if to < from {
		return fmt.Errorf("%w: %d -> %d", ErrInvalidWatermark, from, to)
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users SET feedback_last_used = ? WHERE user_id = ? AND feedback_last_used = ?`,
		to, userID, from,
	)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return fmt.Errorf("user %s at %d, expected %d: %w", userID, u.FeedbackLastUsed, from, ErrConcurrencyConflict)
}

func (s *SQLiteStore) GetVideo(ctx context.Context, videoID string) (model.Video, error) {
	defer observe(driverSQLite, "get_video", time.Now())
	if err := s.check(ctx); err != nil {
		return model.Video{}, err
	}
	var doc string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT doc FROM videos WHERE video_id = ?`, videoID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Video{}, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
		}
		return model.Video{}, fmt.Errorf("get video: %w", err)
	}
	var v model.Video
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return model.Video{}, fmt.Errorf("decode video: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) PutVideo(ctx context.Context, video model.Video) error {
	defer observe(driverSQLite, "put_video", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	if video.VideoID == "" {
		return fmt.Errorf("%w: empty video id", ErrInvalidRecord)
	}
	doc, err := json.Marshal(video)
	if err != nil {
		return fmt.Errorf("encode video: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO videos (video_id, doc) VALUES (?, ?)
		 ON CONFLICT(video_id) DO UPDATE SET doc = excluded.doc`,
		video.VideoID, string(doc),
	)
	if err != nil {
		return fmt.Errorf("put video: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTopics(ctx context.Context, limit int) ([]model.Topic, error) {
	defer observe(driverSQLite, "list_topics", time.Now())
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT topic_id, description, document_count FROM topics`)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Topic
	for rows.Next() {
		var t model.Topic
		if err := rows.Scan(&t.ID, &t.Description, &t.DocumentCount); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	// Numeric ids sort by value, which SQL text ordering cannot express.
	slices.SortFunc(out, func(a, b model.Topic) int { return compareTopicIDs(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLiteStore) PutTopic(ctx context.Context, topic model.Topic) error {
	defer observe(driverSQLite, "put_topic", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	if topic.ID == "" {
		return fmt.Errorf("%w: empty topic id", ErrInvalidRecord)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO topics (topic_id, description, document_count) VALUES (?, ?, ?)
		 ON CONFLICT(topic_id) DO UPDATE SET description = excluded.description,
		                                     document_count = excluded.document_count`,
		string(topic.ID), topic.Description, topic.DocumentCount,
	)
	if err != nil {
		return fmt.Errorf("put topic: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendInteraction(ctx context.Context, in model.Interaction) (model.Interaction, error) {
	defer observe(driverSQLite, "append_interaction", time.Now())
	if err := s.check(ctx); err != nil {
		return model.Interaction{}, err
	}
	if in.UserID == "" {
		return model.Interaction{}, fmt.Errorf("%w: empty user id", ErrInvalidRecord)
	}
	payload, err := encodeOptional(in.Payload, len(in.Payload) == 0)
	if err != nil {
		return model.Interaction{}, fmt.Errorf("encode payload: %w", err)
	}
	in.Timestamp = s.opts.now().UnixMilli()
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO interactions (id, user_id, video_id, kind, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, in.VideoID, in.Type, payload, in.Timestamp,
	); err != nil {
		return model.Interaction{}, fmt.Errorf("insert interaction: %w", err)
	}
	return in, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) updateUserGauge(ctx context.Context) {
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err == nil {
		metrics.UpdateStoreUsers(driverSQLite, n)
	}
}

func encodeOptional(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeList(src sql.NullString, dst *[]string) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("decode list: %w", err)
	}
	return nil
}

// addColumn adds a column introduced after the table was first created.
func addColumn(db *sql.DB, table, column string) error {
	_, err := db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
