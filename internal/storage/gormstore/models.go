package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// taskRow is the GORM-mapped row for storage.Task. Modeled on
// internal/domain/jobs/job_run.go's JobRun (datatypes.JSON payload columns,
// soft delete, explicit TableName), generalized from a single job-run shape
// to the engine's task/step/event model.
type taskRow struct {
	ID       uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ParentID *uuid.UUID `gorm:"type:uuid;index"`
	Queue    string     `gorm:"size:200;not null;index:idx_task_queue_job_key,priority:1"`
	Job      string     `gorm:"size:200;not null;index:idx_task_queue_job_key,priority:2"`
	Key      string     `gorm:"size:200;not null;index:idx_task_queue_job_key,priority:3"`

	Input datatypes.JSON `gorm:"type:jsonb"`
	Data  datatypes.JSON `gorm:"type:jsonb"`

	Status    string `gorm:"size:20;not null;index"`
	Runs      int    `gorm:"not null;default:0"`
	Started   bool   `gorm:"not null;default:false"`
	StartedAt *time.Time
	Priority  float64 `gorm:"not null;default:0"`

	NotBefore *time.Time `gorm:"index"`
	TimeoutAt *time.Time `gorm:"index"`

	DebounceGroup *string `gorm:"size:200;index"`

	ThrottleGroup    *string `gorm:"size:200;index"`
	ThrottleMinGapNS int64

	RateLimitGroup    *string `gorm:"size:200;index"`
	RateLimitN        int
	RateLimitWindowNS int64

	// Live is true while Status has not reached a terminal value; part of
	// a partial-unique-index emulation for "(queue, job, key) unique while
	// live" since GORM has no portable partial-unique-index builder across
	// Postgres and SQLite. When Live, (Queue, Job, Key) must be unique,
	// enforced in AddTask's transaction rather than a DB constraint.
	Live bool `gorm:"not null;default:true;index:idx_task_live_key,priority:1"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time

	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (taskRow) TableName() string { return "flowstep_tasks" }

// stepRow is the GORM-mapped row for storage.Step.
type stepRow struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID uuid.UUID `gorm:"type:uuid;not null;index:idx_step_task_name,priority:1"`
	Queue  string    `gorm:"size:200;not null"`
	Job    string    `gorm:"size:200;not null"`
	Key    string    `gorm:"size:200;not null"`
	Step   string    `gorm:"size:300;not null;index:idx_step_task_name,priority:2"`

	Status string `gorm:"size:20;not null;index"`
	Runs   int    `gorm:"not null;default:0"`

	SleepUntil      *time.Time `gorm:"index"`
	WaitFor         *string    `gorm:"size:300;index"`
	WaitFilter      datatypes.JSON `gorm:"type:jsonb"`
	WaitRetroactive *bool

	Data datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (stepRow) TableName() string { return "flowstep_steps" }

// eventRow is the GORM-mapped row for storage.Event.
type eventRow struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Queue string    `gorm:"size:200;not null;index:idx_event_queue_key,priority:1"`
	Key   string    `gorm:"size:300;not null;index:idx_event_queue_key,priority:2"`

	Input datatypes.JSON `gorm:"type:jsonb"`
	Data  datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"index"`
}

func (eventRow) TableName() string { return "flowstep_events" }

// AutoMigrate creates/updates the three tables. Mirrors
// internal/data/repos/testutil.DB's AutoMigrate call; the engine never runs
// destructive migrations and tolerates an externally managed database.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&taskRow{}, &stepRow{}, &eventRow{})
}
