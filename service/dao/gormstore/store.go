// Package gormstore persists session aggregates in PostgreSQL through GORM.
// The aggregate itself is stored as a JSON payload; structural coordination
// fields (status, current step, version) are lifted into columns so that
// optimistic compare-and-swap updates can be expressed as a guarded UPDATE.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/medscreen/collab/model"
	"github.com/medscreen/collab/service/dao"
)

// SessionRecord is the relational projection of a session aggregate.
type SessionRecord struct {
	ID          string    `gorm:"column:session_id;primaryKey;type:varchar(50)"`
	PatientID   string    `gorm:"column:patient_id;type:varchar(50);index"`
	Status      string    `gorm:"column:status;type:varchar(20);not null"`
	CurrentStep string    `gorm:"column:current_step;type:varchar(50)"`
	Version     int       `gorm:"column:version;not null;default:0"`
	Payload     []byte    `gorm:"column:payload;type:jsonb"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides the default pluralisation.
func (SessionRecord) TableName() string { return "workflow_sessions" }

// Store implements dao.Versioned[string, model.Session] on PostgreSQL.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL and migrates the session table.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the session table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func toRecord(session *model.Session) (*SessionRecord, error) {
	payload, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	return &SessionRecord{
		ID:          session.ID,
		PatientID:   session.PatientID,
		Status:      session.Status,
		CurrentStep: session.CurrentStep,
		Version:     session.SCN,
		Payload:     payload,
	}, nil
}

func fromRecord(record *SessionRecord) (*model.Session, error) {
	var session model.Session
	if err := json.Unmarshal(record.Payload, &session); err != nil {
		return nil, err
	}
	session.SCN = record.Version
	return &session, nil
}

// Save stores or overwrites a session unconditionally.
func (s *Store) Save(ctx context.Context, session *model.Session) error {
	if session == nil {
		return dao.ErrNilEntity
	}
	record, err := toRecord(session)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(record).Error
}

// SaveWithVersion persists the session only when the stored row still carries
// the expected version; the version column is bumped atomically within the
// guarded UPDATE.
func (s *Store) SaveWithVersion(ctx context.Context, session *model.Session, expected int) error {
	if session == nil {
		return dao.ErrNilEntity
	}
	session.SCN = expected + 1
	record, err := toRecord(session)
	if err != nil {
		return err
	}
	if expected == 0 {
		err = s.db.WithContext(ctx).Create(record).Error
		if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			return dao.ErrVersionConflict
		}
		return err
	}
	tx := s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("session_id = ? AND version = ?", record.ID, expected).
		Updates(map[string]interface{}{
			"patient_id":   record.PatientID,
			"status":       record.Status,
			"current_step": record.CurrentStep,
			"version":      expected + 1,
			"payload":      record.Payload,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return dao.ErrVersionConflict
	}
	return nil
}

// Load returns a session by id, or nil when absent.
func (s *Store) Load(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}
	var record SessionRecord
	err := s.db.WithContext(ctx).First(&record, "session_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&record)
}

// Delete removes a session row.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}
	return s.db.WithContext(ctx).Delete(&SessionRecord{}, "session_id = ?", id).Error
}

// List returns sessions, optionally filtered by a "patientId" or "status"
// parameter.
func (s *Store) List(ctx context.Context, parameters ...*dao.Parameter) ([]*model.Session, error) {
	tx := s.db.WithContext(ctx).Model(&SessionRecord{})
	for _, parameter := range parameters {
		switch parameter.Name {
		case "patientId":
			tx = tx.Where("patient_id = ?", parameter.Value)
		case "status":
			tx = tx.Where("status = ?", parameter.Value)
		}
	}
	var records []*SessionRecord
	if err := tx.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(records))
	for _, record := range records {
		session, err := fromRecord(record)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

var _ dao.Versioned[string, model.Session] = (*Store)(nil)
