package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrSessionNotFound = errors.New("chat: session not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AppendMessages reserves len(msgs) sequence numbers on the session row and
// inserts the messages under them in one transaction. Either all rows exist
// afterwards or none do.
func (r *Repo) AppendMessages(ctx context.Context, sessionID string, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the UPDATE takes the row lock that orders concurrent appenders
		res := tx.Model(&Session{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]any{
				"message_seq":     gorm.Expr("message_seq + ?", len(msgs)),
				"last_message_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}

		var last int64
		if err := tx.Model(&Session{}).
			Select("message_seq").
			Where("session_id = ?", sessionID).
			Scan(&last).Error; err != nil {
			return err
		}

		first := last - int64(len(msgs)) + 1
		for i, m := range msgs {
			m.SessionID = sessionID
			m.Seq = first + int64(i)
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendExchange persists a user turn and its assistant reply as a pair.
func (r *Repo) AppendExchange(ctx context.Context, sessionID string, user, assistant *Message) error {
	return r.AppendMessages(ctx, sessionID, user, assistant)
}

// FetchHistory returns the last limit messages oldest first.
func (r *Repo) FetchHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessages returns messages in DESC seq order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, sessionID string, limit int, beforeSeq int64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(limit)

	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListSessions returns a learner's sessions, most recently active first.
func (r *Repo) ListSessions(ctx context.Context, learnerID, tenantID string, limit int) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Where("learner_id = ? AND tenant_id = ?", learnerID, tenantID).
		Order("COALESCE(last_message_at, created_at) DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
