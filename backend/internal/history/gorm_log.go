package history

import (
	"context"
	"errors"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"paramsync/backend/internal/params"
)

// mysql 唯一键冲突
const errDuplicateEntry = 1062

type eventRow struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"size:64;not null;uniqueIndex:idx_session_seq,priority:1"`
	Seq       uint64    `gorm:"not null;uniqueIndex:idx_session_seq,priority:2"`
	UserID    string    `gorm:"size:64;not null"`
	Mu        float64   `gorm:"not null"`
	Omega     float64   `gorm:"not null"`
	Kappa     float64   `gorm:"not null"`
	Timestamp time.Time `gorm:"not null;precision:6"`
}

func (eventRow) TableName() string { return "param_history" }

func (r eventRow) event() Event {
	return Event{
		Seq:       r.Seq,
		UserID:    r.UserID,
		Params:    params.Params{Mu: r.Mu, Omega: r.Omega, Kappa: r.Kappa},
		Timestamp: r.Timestamp.UTC(),
	}
}

// GormLog 把历史归档到 mysql 表 param_history
type GormLog struct {
	db        *gorm.DB
	maxEvents int
}

func OpenMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

func NewGormLog(db *gorm.DB, maxEvents int) (*GormLog, error) {
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, err
	}
	return &GormLog{db: db, maxEvents: maxEvents}, nil
}

func (l *GormLog) Record(ctx context.Context, sessionID string, evt Event) error {
	row := eventRow{
		SessionID: sessionID,
		Seq:       evt.Seq,
		UserID:    evt.UserID,
		Mu:        evt.Params.Mu,
		Omega:     evt.Params.Omega,
		Kappa:     evt.Params.Kappa,
		Timestamp: evt.Timestamp,
	}
	err := l.db.WithContext(ctx).Create(&row).Error
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) && myErr.Number == errDuplicateEntry {
		// 同一 (session, seq) 重复写入视为成功
		return nil
	}
	if err != nil {
		return err
	}
	return l.trim(ctx, sessionID)
}

func (l *GormLog) trim(ctx context.Context, sessionID string) error {
	if l.maxEvents <= 0 {
		return nil
	}
	var cut []uint64
	err := l.db.WithContext(ctx).Model(&eventRow{}).
		Where("session_id = ?", sessionID).
		Order("seq desc").Offset(l.maxEvents).Limit(1).
		Pluck("seq", &cut).Error
	if err != nil || len(cut) == 0 {
		return err
	}
	return l.db.WithContext(ctx).
		Where("session_id = ? AND seq <= ?", sessionID, cut[0]).
		Delete(&eventRow{}).Error
}

func (l *GormLog) ReadAll(ctx context.Context, sessionID string) ([]Event, error) {
	return l.ReadRange(ctx, sessionID, 0, 0)
}

func (l *GormLog) ReadRange(ctx context.Context, sessionID string, from, to uint64) ([]Event, error) {
	q := l.db.WithContext(ctx).Where("session_id = ? AND seq >= ?", sessionID, from)
	if to > 0 {
		q = q.Where("seq <= ?", to)
	}
	var rows []eventRow
	if err := q.Order("seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

func (l *GormLog) Last(ctx context.Context, sessionID string) (Event, bool, error) {
	var row eventRow
	err := l.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("seq desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return row.event(), true, nil
}

func (l *GormLog) Delete(ctx context.Context, sessionID string) error {
	return l.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&eventRow{}).Error
}
