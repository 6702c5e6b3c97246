package ledger

import (
	"database/sql"
	"time"
)

const (
	RunRunning   string = "running"
	RunSucceeded string = "succeeded"
	RunFailed    string = "failed"
)

const (
	OutcomeOK    string = "ok"
	OutcomeError string = "error"
)

type Run struct {
	Id         string `gorm:"size:36;primaryKey"`
	Name       string `gorm:"not null;index"`
	BaseModel  string `gorm:"not null"`
	Dataset    string
	Status     string `gorm:"size:20;not null"`
	AdapterURI string
	MergedPath string
	Sample     string
	Error      string
	StartedAt  time.Time
	FinishedAt sql.NullTime

	Stages []StageRecord `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type StageRecord struct {
	Id         uint   `gorm:"primaryKey"`
	RunId      string `gorm:"size:36;not null;index"`
	Name       string `gorm:"size:20;not null"`
	Outcome    string `gorm:"size:20;not null"`
	DurationMS int64
	Error      string
	CreatedAt  time.Time
}
