package model

import (
	"encoding/json"
	"time"
)

type EventType int

const (
	EventAll            EventType = 0
	EventBuildFailed    EventType = 1
	EventBuildRecovered EventType = 2
)

func (e EventType) String() string {
	switch e {
	case EventAll:
		return "ALL"
	case EventBuildFailed:
		return "BUILD_FAILED"
	case EventBuildRecovered:
		return "BUILD_RECOVERED"
	default:
		return "UNKNOWN"
	}
}

type Notification struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Event      EventType          `json:"event"`
	WorkflowID string             `json:"workflow_id"`
	InstanceID string             `json:"instance_id"`
	Data       json.RawMessage    `json:"data"`
	Created    time.Time          `json:"created"`
	Users      []UserNotification `json:"users"`
}

// Build decodes the build snapshot stored in Data.
func (n *Notification) Build() (*BuildRecord, error) {
	var b BuildRecord
	if err := json.Unmarshal(n.Data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

type UserNotification struct {
	UserID  string     `json:"user_id"`
	Emailed *time.Time `json:"emailed,omitempty"`
	Read    *time.Time `json:"read,omitempty"`
}

type User struct {
	ID                   string `json:"id"`
	Username             string `json:"username"`
	Email                string `json:"email,omitempty"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// Reachable reports whether email can be delivered to the user.
func (u *User) Reachable() bool {
	return u.NotificationsEnabled && u.Email != ""
}

type Subscription struct {
	UserID     string      `json:"user_id"`
	WorkflowID string      `json:"workflow_id"`
	Events     []EventType `json:"events"`
}

// HasEvent matches the event against the mask; ALL matches every event.
func (s *Subscription) HasEvent(event EventType) bool {
	for _, e := range s.Events {
		if e == EventAll || e == event {
			return true
		}
	}
	return false
}

// PendingDelivery groups a notification with the users still waiting for it.
type PendingDelivery struct {
	Notification *Notification
	Users        []*User
}
