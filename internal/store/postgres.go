package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"livepoll/internal/poll"
	logx "livepoll/pkg/logx"
)

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&pollModel{}, &voteModel{}, &appliedVoteModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Info("postgres store opened")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) GetPoll(ctx context.Context, id string) (*poll.Poll, error) {
	return s.firstPoll(s.db.WithContext(ctx), "id = ?", id)
}

func (s *postgresStore) GetPollByJoinCode(ctx context.Context, code string) (*poll.Poll, error) {
	return s.firstPoll(s.db.WithContext(ctx), "join_code = ?", poll.NormalizeJoinCode(code))
}

func (s *postgresStore) firstPoll(db *gorm.DB, query string, arg any) (*poll.Poll, error) {
	var row pollModel
	if err := db.Where(query, arg).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, poll.ErrPollNotFound
		}
		return nil, err
	}
	return row.toPoll()
}

func (s *postgresStore) ListPolls(ctx context.Context) ([]*poll.Poll, error) {
	var rows []pollModel
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*poll.Poll, 0, len(rows))
	for _, row := range rows {
		p, err := row.toPoll()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *postgresStore) CreatePoll(ctx context.Context, p *poll.Poll) error {
	row, err := pollModelFrom(p)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "join_code") {
				return poll.ErrJoinCodeTaken
			}
			return poll.ErrConflict
		}
		return err
	}
	return nil
}

func (s *postgresStore) SetStatus(ctx context.Context, p *poll.Poll) (*poll.Poll, error) {
	var out *poll.Poll
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&pollModel{}).
			Where("id = ? AND version = ?", p.ID, p.Version).
			Updates(map[string]any{
				"status":     string(p.Status),
				"started_at": optionalTime(p.StartedAt),
				"ended_at":   optionalTime(p.EndedAt),
				"version":    gorm.Expr("version + 1"),
			})
		if err := versionedResult(tx, res, p.ID); err != nil {
			return err
		}
		var err error
		out, err = s.firstPoll(tx, "id = ?", p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func versionedResult(tx *gorm.DB, res *gorm.DB, pollID string) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := tx.Model(&pollModel{}).Where("id = ?", pollID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return poll.ErrPollNotFound
	}
	return ErrVersionConflict
}

func (s *postgresStore) DeletePoll(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&pollModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return poll.ErrPollNotFound
		}
		return tx.Where("poll_id = ?", id).Delete(&appliedVoteModel{}).Error
	})
}

func (s *postgresStore) CommitAggregate(ctx context.Context, u AggregateUpdate) (*poll.Poll, error) {
	qs, err := encodeJSON(u.Questions)
	if err != nil {
		return nil, err
	}
	var out *poll.Poll
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := appliedVoteModel{PollID: u.PollID, VoteID: u.VoteID, AppliedAt: time.Now().UTC()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ledger)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyApplied
		}
		res = tx.Model(&pollModel{}).
			Where("id = ? AND version = ?", u.PollID, u.ExpectedVersion).
			Updates(map[string]any{
				"questions":   qs,
				"total_votes": u.TotalVotes,
				"version":     gorm.Expr("version + 1"),
			})
		if err := versionedResult(tx, res, u.PollID); err != nil {
			return err
		}
		out, err = s.firstPoll(tx, "id = ?", u.PollID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *postgresStore) IsApplied(ctx context.Context, pollID, voteID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&appliedVoteModel{}).
		Where("poll_id = ? AND vote_id = ?", pollID, voteID).
		Count(&n).Error
	return n > 0, err
}

func (s *postgresStore) CreateVote(ctx context.Context, v *poll.Vote, unique bool) error {
	row, err := voteModelFrom(v)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if unique {
			// Serializes concurrent submissions for the same session.
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", sessionKey(v.PollID, v.SessionID)).Error; err != nil {
				return err
			}
			var n int64
			if err := tx.Model(&voteModel{}).Where("poll_id = ? AND session_id = ?", v.PollID, v.SessionID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return poll.ErrDuplicateVote
			}
		}
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return poll.ErrConflict
			}
			return err
		}
		return nil
	})
}

func (s *postgresStore) GetVote(ctx context.Context, id string) (*poll.Vote, error) {
	var row voteModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, poll.ErrVoteNotFound
		}
		return nil, err
	}
	return row.toVote()
}

func (s *postgresStore) HasVoted(ctx context.Context, pollID, sessionID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&voteModel{}).
		Where("poll_id = ? AND session_id = ?", pollID, sessionID).
		Count(&n).Error
	return n > 0, err
}

func (s *postgresStore) MarkEnqueued(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&voteModel{}).
		Where("id = ? AND enqueued_at IS NULL", id).
		Update("enqueued_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		_, err := s.GetVote(ctx, id)
		return err
	}
	return nil
}

func (s *postgresStore) ListVotes(ctx context.Context, pollID string) ([]*poll.Vote, error) {
	var rows []voteModel
	err := s.db.WithContext(ctx).
		Where("poll_id = ?", pollID).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*poll.Vote, 0, len(rows))
	for _, row := range rows {
		v, err := row.toVote()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *postgresStore) ListUnenqueued(ctx context.Context, cutoff time.Time, limit int) ([]*poll.Vote, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []voteModel
	err := s.db.WithContext(ctx).
		Where("enqueued_at IS NULL AND created_at < ?", cutoff.UTC()).
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*poll.Vote, 0, len(rows))
	for _, row := range rows {
		v, err := row.toVote()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type pollModel struct {
	ID          string     `gorm:"column:id;primaryKey"`
	JoinCode    string     `gorm:"column:join_code;uniqueIndex:idx_polls_join_code"`
	Title       string     `gorm:"column:title"`
	Description string     `gorm:"column:description"`
	Status      string     `gorm:"column:status"`
	Questions   string     `gorm:"column:questions;type:text"`
	Settings    string     `gorm:"column:settings;type:text"`
	TotalVotes  int64      `gorm:"column:total_votes"`
	Version     int64      `gorm:"column:version"`
	StartedAt   *time.Time `gorm:"column:started_at"`
	EndedAt     *time.Time `gorm:"column:ended_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
}

func (pollModel) TableName() string {
	return "polls"
}

func pollModelFrom(p *poll.Poll) (pollModel, error) {
	qs, err := encodeJSON(p.Questions)
	if err != nil {
		return pollModel{}, err
	}
	st, err := encodeJSON(p.Settings)
	if err != nil {
		return pollModel{}, err
	}
	return pollModel{
		ID:          p.ID,
		JoinCode:    p.JoinCode,
		Title:       p.Title,
		Description: p.Description,
		Status:      string(p.Status),
		Questions:   qs,
		Settings:    st,
		TotalVotes:  p.TotalVotes,
		Version:     p.Version,
		StartedAt:   optionalTime(p.StartedAt),
		EndedAt:     optionalTime(p.EndedAt),
		CreatedAt:   p.CreatedAt.UTC(),
	}, nil
}

func (m pollModel) toPoll() (*poll.Poll, error) {
	p := &poll.Poll{
		ID:          m.ID,
		JoinCode:    m.JoinCode,
		Title:       m.Title,
		Description: m.Description,
		Status:      poll.Status(m.Status),
		TotalVotes:  m.TotalVotes,
		Version:     m.Version,
		StartedAt:   derefTime(m.StartedAt),
		EndedAt:     derefTime(m.EndedAt),
		CreatedAt:   m.CreatedAt,
	}
	var err error
	if p.Questions, err = decodeQuestions(m.Questions); err != nil {
		return nil, err
	}
	if p.Settings, err = decodeSettings(m.Settings); err != nil {
		return nil, err
	}
	return p, nil
}

type voteModel struct {
	ID         string     `gorm:"column:id;primaryKey"`
	PollID     string     `gorm:"column:poll_id;index:idx_votes_poll_session"`
	SessionID  string     `gorm:"column:session_id;index:idx_votes_poll_session"`
	Answers    string     `gorm:"column:answers;type:text"`
	IPAddress  string     `gorm:"column:ip_address"`
	UserAgent  string     `gorm:"column:user_agent"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	EnqueuedAt *time.Time `gorm:"column:enqueued_at;index"`
}

func (voteModel) TableName() string {
	return "votes"
}

func voteModelFrom(v *poll.Vote) (voteModel, error) {
	answers, err := encodeJSON(v.Answers)
	if err != nil {
		return voteModel{}, err
	}
	return voteModel{
		ID:         v.ID,
		PollID:     v.PollID,
		SessionID:  v.SessionID,
		Answers:    answers,
		IPAddress:  v.IPAddress,
		UserAgent:  v.UserAgent,
		CreatedAt:  v.CreatedAt.UTC(),
		EnqueuedAt: optionalTime(v.EnqueuedAt),
	}, nil
}

func (m voteModel) toVote() (*poll.Vote, error) {
	answers, err := decodeAnswers(m.Answers)
	if err != nil {
		return nil, err
	}
	return &poll.Vote{
		ID:         m.ID,
		PollID:     m.PollID,
		SessionID:  m.SessionID,
		Answers:    answers,
		IPAddress:  m.IPAddress,
		UserAgent:  m.UserAgent,
		CreatedAt:  m.CreatedAt,
		EnqueuedAt: derefTime(m.EnqueuedAt),
	}, nil
}

type appliedVoteModel struct {
	PollID    string    `gorm:"column:poll_id;primaryKey"`
	VoteID    string    `gorm:"column:vote_id;primaryKey"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (appliedVoteModel) TableName() string {
	return "applied_votes"
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
