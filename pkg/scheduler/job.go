package scheduler

import (
	"time"

	"github.com/m-mizutani/lifemon/pkg/cache"
	"github.com/m-mizutani/lifemon/pkg/usecase"
)

const (
	QueueBuilds        = "builds"
	QueueNotifications = "notifications"
)

// Job describes when a named job is enqueued and how a worker runs it.
type Job struct {
	Name    string
	Queue   string
	Trigger Trigger
	// MaxAge drops messages that waited longer than this in the queue.
	MaxAge     time.Duration
	MaxRetries int
}

// DefaultJobs returns the monitoring jobs paced by the cache timeouts.
func DefaultJobs(timeouts cache.Timeouts) []Job {
	workflow := timeouts.Period(cache.TimeoutWorkflow)
	build := timeouts.Period(cache.TimeoutBuild)

	return []Job{
		{
			Name:       usecase.JobCheckWorkflows,
			Queue:      QueueBuilds,
			Trigger:    Every(workflow),
			MaxAge:     workflow,
			MaxRetries: 3,
		},
		{
			Name:       usecase.JobCheckLastBuild,
			Queue:      QueueBuilds,
			Trigger:    Every(build),
			MaxAge:     build,
			MaxRetries: 3,
		},
		{
			Name:    usecase.JobPeriodicBuilds,
			Queue:   QueueBuilds,
			Trigger: Daily(3, 0),
			MaxAge:  time.Hour,
		},
		{
			Name:    usecase.JobSendEmailNotifications,
			Queue:   QueueNotifications,
			Trigger: Every(30 * time.Second),
			MaxAge:  30 * time.Second,
		},
		{
			Name:    usecase.JobCleanupNotifications,
			Queue:   QueueNotifications,
			Trigger: Daily(1, 0),
			MaxAge:  time.Hour,
		},
	}
}

// Queues lists the distinct queues of jobs in order of appearance.
func Queues(jobs []Job) []string {
	var queues []string
	seen := make(map[string]bool)
	for _, j := range jobs {
		if !seen[j.Queue] {
			seen[j.Queue] = true
			queues = append(queues, j.Queue)
		}
	}
	return queues
}
