package gormstore

import (
	"time"

	"gorm.io/datatypes"

	"github.com/flowstep/flowstep/internal/storage"
)

func toTask(r *taskRow) *storage.Task {
	if r == nil {
		return nil
	}
	return &storage.Task{
		ID:              r.ID,
		ParentID:        r.ParentID,
		Queue:           r.Queue,
		Job:             r.Job,
		Key:             r.Key,
		Input:           []byte(r.Input),
		Status:          storage.TaskStatus(r.Status),
		Runs:            r.Runs,
		Started:         r.Started,
		StartedAt:       r.StartedAt,
		Priority:        r.Priority,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Data:            []byte(r.Data),
		NotBefore:       r.NotBefore,
		TimeoutAt:       r.TimeoutAt,
		DebounceGroup:   r.DebounceGroup,
		ThrottleGroup:   r.ThrottleGroup,
		ThrottleMinGap:  time.Duration(r.ThrottleMinGapNS),
		RateLimitGroup:  r.RateLimitGroup,
		RateLimitN:      r.RateLimitN,
		RateLimitWindow: time.Duration(r.RateLimitWindowNS),
	}
}

func fromAddParams(p storage.AddTaskParams) *taskRow {
	return &taskRow{
		ParentID:          p.ParentID,
		Queue:             p.Queue,
		Job:               p.Job,
		Key:               p.Key,
		Input:             datatypes.JSON(p.Input),
		Status:            string(storage.TaskPending),
		Priority:          p.Priority,
		Live:              true,
		NotBefore:         p.NotBefore,
		TimeoutAt:         p.TimeoutAt,
		DebounceGroup:     p.DebounceGroup,
		ThrottleGroup:     p.ThrottleGroup,
		ThrottleMinGapNS:  int64(p.ThrottleMinGap),
		RateLimitGroup:    p.RateLimitGroup,
		RateLimitN:        p.RateLimitN,
		RateLimitWindowNS: int64(p.RateLimitWindow),
	}
}

func toStep(r *stepRow) *storage.Step {
	if r == nil {
		return nil
	}
	return &storage.Step{
		ID:              r.ID,
		TaskID:          r.TaskID,
		Queue:           r.Queue,
		Job:             r.Job,
		Key:             r.Key,
		Step:            r.Step,
		Status:          storage.StepStatus(r.Status),
		Runs:            r.Runs,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		SleepUntil:      r.SleepUntil,
		WaitFor:         r.WaitFor,
		WaitFilter:      []byte(r.WaitFilter),
		WaitRetroactive: r.WaitRetroactive,
		Data:            []byte(r.Data),
	}
}

func fromStep(s *storage.Step) *stepRow {
	return &stepRow{
		ID:              s.ID,
		TaskID:          s.TaskID,
		Queue:           s.Queue,
		Job:             s.Job,
		Key:             s.Key,
		Step:            s.Step,
		Status:          string(s.Status),
		Runs:            s.Runs,
		SleepUntil:      s.SleepUntil,
		WaitFor:         s.WaitFor,
		WaitFilter:      datatypes.JSON(s.WaitFilter),
		WaitRetroactive: s.WaitRetroactive,
		Data:            datatypes.JSON(s.Data),
	}
}

func toEvent(r *eventRow) *storage.Event {
	if r == nil {
		return nil
	}
	return &storage.Event{
		ID:        r.ID,
		Queue:     r.Queue,
		Key:       r.Key,
		CreatedAt: r.CreatedAt,
		Input:     []byte(r.Input),
		Data:      []byte(r.Data),
	}
}
