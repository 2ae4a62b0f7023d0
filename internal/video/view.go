package video

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/reelforge/reelforge/internal/common"
	"github.com/reelforge/reelforge/internal/jobs"
)

// QueueStatus describes where a job sits among all non-terminal jobs.
type QueueStatus struct {
	Position          int           `json:"position"`
	Length            int           `json:"length"`
	AverageProcessing time.Duration `json:"average_processing"`
	EstimatedStart    time.Time     `json:"estimated_start"`
}

// JobView is a Job enriched with the derived, caller-facing fields.
type JobView struct {
	jobs.Job
	Queue            *QueueStatus `json:"queue,omitempty"`
	Stage            string       `json:"stage"`
	StageDescription string       `json:"stage_description"`
	ETAHuman         string       `json:"eta_human,omitempty"`
}

// stageFor derives the human-readable stage label from status and progress.
func stageFor(status jobs.Status, progress int) (stage, description string) {
	switch {
	case status == jobs.StatusPending || progress < 10 && !status.Terminal():
		return "Analyzing prompt", "Understanding your prompt and preparing generation parameters."
	case status == jobs.StatusRunning && progress < 90:
		return "Generating video", "Synthesizing motion, camera, and scene details."
	case status == jobs.StatusRunning:
		return "Processing", "Finalizing frames and encoding output."
	case status == jobs.StatusSucceeded:
		return "Completed", "Your video is ready."
	case status == jobs.StatusFailed:
		return "Failed", "The job failed. You can retry with adjusted settings."
	case status == jobs.StatusCancelled:
		return "Cancelled", "The job was cancelled."
	default:
		return "Working", "The job is in progress."
	}
}

// estimateETA projects remaining generation time from provider progress,
// assuming the default total duration when progress is unknown.
func estimateETA(progress int) time.Duration {
	p := progress
	if p <= 0 {
		p = 5
	}
	remaining := 100 - p
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * common.DefaultTotalEstimateS * time.Second / 100
}

func viewFor(job jobs.Job, queue *QueueStatus, now time.Time) *JobView {
	stage, desc := stageFor(job.Status, job.Progress)
	v := &JobView{Job: job, Queue: queue, Stage: stage, StageDescription: desc}
	if !job.Status.Terminal() && job.ETA > 0 {
		v.ETAHuman = humanize.RelTime(now, now.Add(job.ETA), "", "")
	}
	return v
}
