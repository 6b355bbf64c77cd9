package store

import (
	"encoding/json"
	"time"
)

// BoxModel maps to the "boxes" table. Labels are stored as a JSON text
// blob; the queryable columns cover the filters the runtime actually uses
// (id, name, status, pid).
type BoxModel struct {
	ID          string  `gorm:"primaryKey"`
	Name        *string `gorm:"uniqueIndex"` // NULL for unnamed boxes; NULLs do not collide.
	Status      string  `gorm:"not null;index"`
	Pid         *int    `gorm:"index"`
	ContainerID string
	LockID      string
	Image       string `gorm:"not null"`
	CPUs        int    `gorm:"not null"`
	MemoryMiB   int    `gorm:"not null"`
	Labels      string // JSON-encoded map[string]string.
	CreatedAt   time.Time
	LastUpdated time.Time
}

func (BoxModel) TableName() string { return "boxes" }

func toModel(rec *Record) (*BoxModel, error) {
	var labels string
	if len(rec.Labels) > 0 {
		data, err := json.Marshal(rec.Labels)
		if err != nil {
			return nil, err
		}
		labels = string(data)
	}
	var name *string
	if rec.Name != "" {
		n := rec.Name
		name = &n
	}
	return &BoxModel{
		ID:          rec.ID,
		Name:        name,
		Status:      rec.Status,
		Pid:         rec.Pid,
		ContainerID: rec.ContainerID,
		LockID:      rec.LockID,
		Image:       rec.Image,
		CPUs:        rec.CPUs,
		MemoryMiB:   rec.MemoryMiB,
		Labels:      labels,
		CreatedAt:   rec.CreatedAt,
		LastUpdated: rec.LastUpdated,
	}, nil
}

func fromModel(model *BoxModel) (*Record, error) {
	var labels map[string]string
	if model.Labels != "" {
		if err := json.Unmarshal([]byte(model.Labels), &labels); err != nil {
			return nil, err
		}
	}
	var name string
	if model.Name != nil {
		name = *model.Name
	}
	return &Record{
		ID:          model.ID,
		Name:        name,
		Status:      model.Status,
		Pid:         model.Pid,
		ContainerID: model.ContainerID,
		LockID:      model.LockID,
		Image:       model.Image,
		CPUs:        model.CPUs,
		MemoryMiB:   model.MemoryMiB,
		Labels:      labels,
		CreatedAt:   model.CreatedAt,
		LastUpdated: model.LastUpdated,
	}, nil
}
