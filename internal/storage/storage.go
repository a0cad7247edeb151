// Package storage is the relational implementation of the chat backend.
package storage

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
)

// Store implements rentwheel.Backend on gorm.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

var _ rentwheel.Backend = (*Store)(nil)

type Option func(*Store)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock replaces time.Now. Timestamps stay strictly increasing.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Dialector picks the gorm driver from the DSN scheme.
func Dialector(dsn string) gorm.Dialector {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn)
	case strings.HasPrefix(dsn, "mysql://"):
		d := strings.TrimPrefix(dsn, "mysql://")
		if !strings.Contains(d, "parseTime=") {
			if strings.Contains(d, "?") {
				d += "&parseTime=true"
			} else {
				d += "?parseTime=true"
			}
		}
		return mysql.Open(d)
	default:
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}
}

// Open connects to dsn and migrates the schema.
func Open(dsn string, opts ...Option) (*Store, error) {
	s := &Store{log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	dialector := Dialector(dsn)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: s.timestamp,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if dialector.Name() == "sqlite" {
		// One connection: in-memory databases are per connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "open database")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	s.db = db

	if err := s.Migrate(); err != nil {
		return nil, err
	}
	s.log.Info().Str("driver", dialector.Name()).Msg("database ready")
	return s, nil
}

func (s *Store) Migrate() error {
	return errors.Wrap(s.db.AutoMigrate(&Conversation{}, &Message{}), "migrate")
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// timestamp returns a strictly increasing UTC time with microsecond
// precision so that creation order survives every driver.
func (s *Store) timestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func notFound(op string, err error) error {
	return rentwheel.NewError(rentwheel.KindNotFound, op, err)
}

// ============================================================================
// Conversations
// ============================================================================

// FindOrCreateConversation returns the unique conversation for the triple,
// creating it if needed. Concurrent callers converge on one row.
func (s *Store) FindOrCreateConversation(ctx context.Context, initiatorID, counterpartyID string, scope rentwheel.Scope) (*rentwheel.Conversation, error) {
	db := s.db.WithContext(ctx)
	where := Conversation{InitiatorID: initiatorID, CounterpartyID: counterpartyID, VehicleID: string(scope)}

	var row Conversation
	err := db.Where("initiator_id = ? AND counterparty_id = ? AND vehicle_id = ?", initiatorID, counterpartyID, string(scope)).
		First(&row).Error
	if err == nil {
		return row.toDomain(), nil
	}
	if !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "find conversation")
	}

	row = where
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, errors.Wrap(err, "create conversation")
	}

	// Lost a race: the insert was skipped, read the winner.
	var stored Conversation
	if err := db.Where("initiator_id = ? AND counterparty_id = ? AND vehicle_id = ?", initiatorID, counterpartyID, string(scope)).
		First(&stored).Error; err != nil {
		return nil, errors.Wrap(err, "reload conversation")
	}
	if stored.ID == row.ID {
		s.log.Debug().Str("conversation_id", stored.ID).Msg("conversation created")
	}
	return stored.toDomain(), nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*rentwheel.Conversation, error) {
	var row Conversation
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("get conversation", err)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get conversation")
	}
	return row.toDomain(), nil
}

// ListConversations returns q.UserID's conversations in q.Role, most recently
// active first, with the last message and the caller's unread count.
func (s *Store) ListConversations(ctx context.Context, q rentwheel.InboxQuery) ([]rentwheel.ConversationSummary, error) {
	db := s.db.WithContext(ctx)
	column := "counterparty_id"
	if q.Role == rentwheel.RoleRenter {
		column = "initiator_id"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = rentwheel.DefaultInboxLimit
	}

	var rows []Conversation
	if err := db.Where(column+" = ?", q.UserID).Order("updated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}

	out := make([]rentwheel.ConversationSummary, 0, len(rows))
	for i := range rows {
		summary := rentwheel.ConversationSummary{Conversation: *rows[i].toDomain()}

		var last Message
		err := db.Where("conversation_id = ?", rows[i].ID).Order("created_at DESC").Limit(1).Take(&last).Error
		switch {
		case err == nil:
			m := last.toDomain()
			summary.LastMessage = &m
		case !stderrors.Is(err, gorm.ErrRecordNotFound):
			return nil, errors.Wrapf(err, "last message of %s", rows[i].ID)
		}

		var unread int64
		if err := db.Model(&Message{}).
			Where("conversation_id = ? AND is_read = ? AND sender_id <> ?", rows[i].ID, false, q.UserID).
			Count(&unread).Error; err != nil {
			return nil, errors.Wrapf(err, "unread count of %s", rows[i].ID)
		}
		summary.UnreadCount = int(unread)
		out = append(out, summary)
	}
	return out, nil
}

// ============================================================================
// Messages
// ============================================================================

// FetchMessages returns the conversation's messages in ascending creation
// order.
func (s *Store) FetchMessages(ctx context.Context, conversationID string) ([]rentwheel.Message, error) {
	var rows []Message
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "fetch messages")
	}
	out := make([]rentwheel.Message, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// InsertMessage stores a message and bumps the conversation's activity time.
func (s *Store) InsertMessage(ctx context.Context, conversationID, senderID, body string) (*rentwheel.Message, error) {
	row := Message{ConversationID: conversationID, SenderID: senderID, Content: body}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("insert message", err)
			}
			return errors.Wrap(err, "load conversation")
		}
		if err := tx.Create(&row).Error; err != nil {
			return errors.Wrap(err, "insert message")
		}
		return errors.Wrap(
			tx.Model(&Conversation{}).Where("id = ?", conversationID).Update("updated_at", row.CreatedAt).Error,
			"touch conversation",
		)
	})
	if err != nil {
		return nil, err
	}
	m := row.toDomain()
	return &m, nil
}

// MarkRead flags every unread message in the conversation not sent by
// readerID. Returns the number of rows changed.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "mark read")
	}
	return int(res.RowsAffected), nil
}

// DeleteMessage removes a message authored by requesterID.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID, requesterID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Message
		err := tx.Where("id = ? AND conversation_id = ?", messageID, conversationID).First(&row).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("delete message", err)
		}
		if err != nil {
			return errors.Wrap(err, "load message")
		}
		if row.SenderID != requesterID {
			return rentwheel.NewError(rentwheel.KindUnauthorized, "delete message", stderrors.New("not the author"))
		}
		return errors.Wrap(tx.Delete(&Message{}, "id = ?", messageID).Error, "delete message")
	})
}

// CountUnread counts messages not sent by q.Reader that are still unread,
// either in one conversation or across every conversation owned by
// q.OwnerID.
func (s *Store) CountUnread(ctx context.Context, q rentwheel.UnreadQuery) (int, error) {
	db := s.db.WithContext(ctx).Model(&Message{}).Where("is_read = ? AND sender_id <> ?", false, q.Reader)
	if q.ConversationID != "" {
		db = db.Where("conversation_id = ?", q.ConversationID)
	}
	if q.OwnerID != "" {
		owned := s.db.Model(&Conversation{}).Select("id").Where("counterparty_id = ?", q.OwnerID)
		db = db.Where("conversation_id IN (?)", owned)
	}
	var n int64
	if err := db.Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "count unread")
	}
	return int(n), nil
}
