package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type LedgerRow struct {
	CommunityID     string `gorm:"primaryKey"`
	UserID          string `gorm:"primaryKey"`
	WeightsJSON     string `gorm:"not null"`
	LastViolationAt time.Time
	LastDecayAt     time.Time
	Permanent       bool   `gorm:"not null"`
	Version         uint64 `gorm:"not null"`
}

func (LedgerRow) TableName() string {
	return "ledgers"
}

type SanctionRow struct {
	ID                 string    `gorm:"primaryKey"`
	CommunityID        string    `gorm:"not null;index:idx_sanction_ledger,priority:1"`
	UserID             string    `gorm:"not null;index:idx_sanction_ledger,priority:2"`
	Seq                int       `gorm:"not null"`
	Kind               string    `gorm:"not null"`
	IssuedAt           time.Time `gorm:"not null"`
	ExpiresAt          *time.Time
	ReasonTier         string `gorm:"not null"`
	ReasonCategory     string
	SourceMessageID    string
	Active             bool `gorm:"not null;index"`
	DeactivatedAt      *time.Time
	DeactivationReason string
}

func (SanctionRow) TableName() string {
	return "sanction_records"
}

// Store backed by a SQL database (sqlite or postgres) through gorm. One row per ledger, plus an append-only sanction table; Save runs in a single transaction guarded by the version column.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&LedgerRow{}, &SanctionRow{}); err != nil {
		return nil, fmt.Errorf("migrating ledger tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func encodeWeights(w map[Tier]float64) (string, error) {
	m := make(map[string]float64, len(w))
	for t, v := range w {
		m[t.String()] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeWeights(raw string) (map[Tier]float64, error) {
	out := map[Tier]float64{}
	if raw == "" {
		return out, nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	for name, v := range m {
		t, err := ParseTier(name)
		if err != nil {
			return nil, err
		}
		out[t] = v
	}
	return out, nil
}

func sqlErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// returns nil (and no error) if the ledger row doesn't exist
func (s *GormStore) read(ctx context.Context, db *gorm.DB, key Key) (*Ledger, error) {
	var row LedgerRow
	err := db.WithContext(ctx).Where("community_id = ? AND user_id = ?", key.CommunityID, key.UserID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, sqlErr(err)
	}
	weights, err := decodeWeights(row.WeightsJSON)
	if err != nil {
		return nil, fmt.Errorf("decoding ledger %s weights: %w", key, err)
	}
	var rows []SanctionRow
	if err := db.WithContext(ctx).Where("community_id = ? AND user_id = ?", key.CommunityID, key.UserID).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, sqlErr(err)
	}
	l := &Ledger{
		CommunityID:     row.CommunityID,
		UserID:          row.UserID,
		WeightByTier:    weights,
		LastViolationAt: row.LastViolationAt,
		LastDecayAt:     row.LastDecayAt,
		SanctionHistory: make([]SanctionRecord, 0, len(rows)),
		Permanent:       row.Permanent,
		Version:         row.Version,
	}
	for _, r := range rows {
		tier, err := ParseTier(r.ReasonTier)
		if err != nil {
			return nil, err
		}
		l.SanctionHistory = append(l.SanctionHistory, SanctionRecord{
			ID:                 r.ID,
			CommunityID:        r.CommunityID,
			UserID:             r.UserID,
			Kind:               SanctionKind(r.Kind),
			IssuedAt:           r.IssuedAt,
			ExpiresAt:          r.ExpiresAt,
			ReasonTier:         tier,
			ReasonCategory:     r.ReasonCategory,
			SourceMessageID:    r.SourceMessageID,
			Active:             r.Active,
			DeactivatedAt:      r.DeactivatedAt,
			DeactivationReason: r.DeactivationReason,
		})
	}
	return l, nil
}

func (s *GormStore) Load(ctx context.Context, key Key) (*Ledger, error) {
	row := LedgerRow{
		CommunityID: key.CommunityID,
		UserID:      key.UserID,
		WeightsJSON: "{}",
	}
	// insert-if-absent is a single statement, so concurrent creators can't lose an update
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, sqlErr(err)
	}
	l, err := s.read(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, sqlErr(fmt.Errorf("ledger %s vanished after create", key))
	}
	return l, nil
}

func (s *GormStore) Get(ctx context.Context, key Key) (*Ledger, error) {
	l, err := s.read(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrLedgerNotFound
	}
	return l, nil
}

func (s *GormStore) Save(ctx context.Context, l *Ledger) error {
	key := l.Key()
	weights, err := encodeWeights(l.WeightByTier)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if prev != nil && prev.Version != l.Version {
			return ErrStaleLedger
		}
		if err := checkTransition(prev, l); err != nil {
			return err
		}
		if prev == nil {
			if l.Version != 0 {
				return ErrStaleLedger
			}
			row := LedgerRow{
				CommunityID:     key.CommunityID,
				UserID:          key.UserID,
				WeightsJSON:     weights,
				LastViolationAt: l.LastViolationAt,
				LastDecayAt:     l.LastDecayAt,
				Permanent:       l.Permanent,
				Version:         1,
			}
			if err := tx.Create(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrStaleLedger
				}
				return sqlErr(err)
			}
		} else {
			res := tx.Model(&LedgerRow{}).
				Where("community_id = ? AND user_id = ? AND version = ?", key.CommunityID, key.UserID, l.Version).
				Updates(map[string]any{
					"weights_json":      weights,
					"last_violation_at": l.LastViolationAt,
					"last_decay_at":     l.LastDecayAt,
					"permanent":         l.Permanent,
					"version":           l.Version + 1,
				})
			if res.Error != nil {
				return sqlErr(res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrStaleLedger
			}
		}
		if len(l.SanctionHistory) == 0 {
			return nil
		}
		rows := make([]SanctionRow, len(l.SanctionHistory))
		for i, r := range l.SanctionHistory {
			rows[i] = SanctionRow{
				ID:                 r.ID,
				CommunityID:        key.CommunityID,
				UserID:             key.UserID,
				Seq:                i,
				Kind:               string(r.Kind),
				IssuedAt:           r.IssuedAt,
				ExpiresAt:          r.ExpiresAt,
				ReasonTier:         r.ReasonTier.String(),
				ReasonCategory:     r.ReasonCategory,
				SourceMessageID:    r.SourceMessageID,
				Active:             r.Active,
				DeactivatedAt:      r.DeactivatedAt,
				DeactivationReason: r.DeactivationReason,
			}
		}
		// existing records only ever change their active status
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"active", "deactivated_at", "deactivation_reason"}),
		}).Create(&rows).Error
		return sqlErr(err)
	})
	if err != nil {
		return err
	}
	l.Version++
	return nil
}

func (s *GormStore) ListActiveSanctions(ctx context.Context, key Key) ([]SanctionRecord, error) {
	l, err := s.read(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return []SanctionRecord{}, nil
	}
	return l.ActiveSanctions(), nil
}

func (s *GormStore) Scan(ctx context.Context, cursor string, limit int) ([]Key, string, error) {
	q := s.db.WithContext(ctx).Model(&LedgerRow{}).Select("community_id", "user_id")
	if cursor != "" {
		after, err := ParseKey(cursor)
		if err != nil {
			return nil, "", err
		}
		q = q.Where("community_id > ? OR (community_id = ? AND user_id > ?)", after.CommunityID, after.CommunityID, after.UserID)
	}
	var rows []LedgerRow
	if err := q.Order("community_id asc, user_id asc").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, "", sqlErr(err)
	}
	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next = Key{CommunityID: last.CommunityID, UserID: last.UserID}.String()
	}
	keys := make([]Key, len(rows))
	for i, r := range rows {
		keys[i] = Key{CommunityID: r.CommunityID, UserID: r.UserID}
	}
	return keys, next, nil
}
