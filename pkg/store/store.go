package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/go-go-golems/conclave/pkg/council"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// DefaultSessionLimit is the per-user session cap.
	DefaultSessionLimit = 300
)

var ErrNotFound = errors.New("not found")

// SessionLimitError is returned by CreateSession when the user is at the
// cap; it carries the numbers the HTTP layer reports in its 429 body.
type SessionLimitError struct {
	Limit int
	Count int
}

func (e *SessionLimitError) Error() string {
	return fmt.Sprintf("session limit reached (%d of %d)", e.Count, e.Limit)
}

type Session struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message `gorm:"constraint:OnDelete:CASCADE"`
}

type Message struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"index"`
	Seq        int
	Role       string
	Content    string // user message text
	Payload    string // assistant message JSON
	WasAborted bool
	CreatedAt  time.Time
}

// AssistantMessage decodes the stored payload of an assistant message.
func (m *Message) AssistantMessage() (*council.AssistantMessage, error) {
	if m.Role != RoleAssistant {
		return nil, errors.Errorf("message %d is not an assistant message", m.Seq)
	}
	var out council.AssistantMessage
	if err := json.Unmarshal([]byte(m.Payload), &out); err != nil {
		return nil, errors.Wrap(err, "could not decode assistant payload")
	}
	return &out, nil
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int64     `json:"message_count"`
}

type Store struct {
	db    *gorm.DB
	limit int
}

type Option func(*Store)

func WithSessionLimit(limit int) Option {
	return func(s *Store) { s.limit = limit }
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema.
func Open(path string, options ...Option) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open database at %s", path)
	}
	if err := db.AutoMigrate(&Session{}, &Message{}); err != nil {
		return nil, errors.Wrap(err, "could not migrate schema")
	}

	s := &Store{db: db, limit: DefaultSessionLimit}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

func (s *Store) CreateSession(ctx context.Context, userID string) (*Session, error) {
	var session *Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Session{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return errors.Wrap(err, "could not count sessions")
		}
		if count >= int64(s.limit) {
			return &SessionLimitError{Limit: s.limit, Count: int(count)}
		}

		session = &Session{
			ID:     uuid.NewString(),
			UserID: userID,
			Title:  "New Conversation",
		}
		return tx.Create(session).Error
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("session_id", session.ID).Str("user_id", userID).Msg("session created")
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]SessionSummary, error) {
	var summaries []SessionSummary
	err := s.db.WithContext(ctx).
		Model(&Session{}).
		Select("sessions.id, sessions.title, sessions.created_at, sessions.updated_at, count(messages.id) as message_count").
		Joins("left join messages on messages.session_id = sessions.id").
		Where("sessions.user_id = ?", userID).
		Group("sessions.id").
		Order("sessions.updated_at desc").
		Scan(&summaries).Error
	if err != nil {
		return nil, errors.Wrap(err, "could not list sessions")
	}
	return summaries, nil
}

// GetSession loads a session with its messages in sequence order. Returns
// ErrNotFound for an unknown id or one owned by a different user.
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("seq asc") }).
		Where("id = ? AND user_id = ?", sessionID, userID).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not load session")
	}
	return &session, nil
}

func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", sessionID, userID).Delete(&Session{})
		if res.Error != nil {
			return errors.Wrap(res.Error, "could not delete session")
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error
	})
}

// AppendUserMessage appends the user's question and returns its sequence
// number within the session.
func (s *Store) AppendUserMessage(ctx context.Context, sessionID, content string) (int, error) {
	seq := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := nextSeq(tx, sessionID)
		if err != nil {
			return err
		}
		seq = next
		if err := tx.Create(&Message{
			SessionID: sessionID,
			Seq:       seq,
			Role:      RoleUser,
			Content:   content,
		}).Error; err != nil {
			return errors.Wrap(err, "could not append user message")
		}
		return touchSession(tx, sessionID)
	})
	return seq, err
}

// SaveAssistantMessage persists a closed turn's durable artifact. Part of
// the council.Recorder contract.
func (s *Store) SaveAssistantMessage(ctx context.Context, sessionID string, msg *council.AssistantMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "could not encode assistant message")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSeq(tx, sessionID)
		if err != nil {
			return err
		}
		if err := tx.Create(&Message{
			SessionID:  sessionID,
			Seq:        seq,
			Role:       RoleAssistant,
			Payload:    string(payload),
			WasAborted: msg.WasAborted,
		}).Error; err != nil {
			return errors.Wrap(err, "could not append assistant message")
		}
		return touchSession(tx, sessionID)
	})
}

// RenameSession is the title side-task's persistence hook. Part of the
// council.Recorder contract.
func (s *Store) RenameSession(ctx context.Context, sessionID, title string) error {
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", sessionID).Update("title", title)
	if res.Error != nil {
		return errors.Wrap(res.Error, "could not rename session")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneIdleSessions deletes sessions not touched since cutoff, along with
// their messages. Returns the number of sessions removed.
func (s *Store) PruneIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Session{}).Where("updated_at < ?", cutoff).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("session_id IN ?", ids).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&Session{})
		pruned = res.RowsAffected
		return res.Error
	})
	return pruned, err
}

func nextSeq(tx *gorm.DB, sessionID string) (int, error) {
	var count int64
	if err := tx.Model(&Session{}).Where("id = ?", sessionID).Count(&count).Error; err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, ErrNotFound
	}
	var maxSeq *int
	if err := tx.Model(&Message{}).Where("session_id = ?", sessionID).Select("max(seq)").Scan(&maxSeq).Error; err != nil {
		return 0, errors.Wrap(err, "could not compute next sequence")
	}
	if maxSeq == nil {
		return 0, nil
	}
	return *maxSeq + 1, nil
}

func touchSession(tx *gorm.DB, sessionID string) error {
	return tx.Model(&Session{}).Where("id = ?", sessionID).Update("updated_at", time.Now()).Error
}

var _ council.Recorder = (*Store)(nil)
