package model

import "time"

// JobMessage is a request to run a named job.
type JobMessage struct {
	ID       string    `json:"id"`
	Job      string    `json:"job"`
	Enqueued time.Time `json:"enqueued"`
}
