package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// Memory keeps every entity in process memory. Values are copied on the
// way in and out so callers never share state with the store.
type Memory struct {
	mu            sync.RWMutex
	workflows     map[string]*model.Workflow
	versions      map[string]*model.WorkflowVersion
	services      map[string]model.ServiceRef
	users         map[string]*model.User
	tokens        map[string]map[string]model.Token
	subscriptions map[string]map[string]*model.Subscription // workflow -> user
	notifications map[string]*model.Notification            // by name
}

func NewMemory() *Memory {
	return &Memory{
		workflows:     make(map[string]*model.Workflow),
		versions:      make(map[string]*model.WorkflowVersion),
		services:      make(map[string]model.ServiceRef),
		users:         make(map[string]*model.User),
		tokens:        make(map[string]map[string]model.Token),
		subscriptions: make(map[string]map[string]*model.Subscription),
		notifications: make(map[string]*model.Notification),
	}
}

var _ interfaces.Repository = (*Memory)(nil)

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *Memory) ListWorkflows(_ context.Context) ([]*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		out = append(out, clone(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workflows[id]
	if !ok {
		return nil, domain.ErrEntityNotFound.Wrap(goerr.New("workflow not found"), goerr.V("workflow_id", id))
	}
	return clone(w), nil
}

func (m *Memory) SaveWorkflow(_ context.Context, workflow *model.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[workflow.ID] = clone(workflow)
	return nil
}

func (m *Memory) ListVersions(_ context.Context, workflowID string) ([]*model.WorkflowVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.WorkflowVersion
	for _, v := range m.versions {
		if v.WorkflowID == workflowID {
			out = append(out, clone(v))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (m *Memory) GetVersion(_ context.Context, id string) (*model.WorkflowVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, domain.ErrEntityNotFound.Wrap(goerr.New("workflow version not found"), goerr.V("version_id", id))
	}
	return clone(v), nil
}

func (m *Memory) SaveVersion(_ context.Context, version *model.WorkflowVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[version.WorkflowID]; !ok {
		return domain.ErrEntityNotFound.Wrap(goerr.New("workflow not found"), goerr.V("workflow_id", version.WorkflowID))
	}
	for id, v := range m.versions {
		if id != version.ID && v.WorkflowID == version.WorkflowID && v.Version == version.Version {
			return domain.ErrIllegalState.Wrap(goerr.New("duplicated workflow version"),
				goerr.V("workflow_id", version.WorkflowID), goerr.V("version", version.Version))
		}
	}
	m.versions[version.ID] = clone(version)
	return nil
}

func (m *Memory) GetService(_ context.Context, url string) (*model.ServiceRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.services[url]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

func (m *Memory) SaveService(_ context.Context, ref model.ServiceRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[ref.URL] = ref
	return nil
}

func (m *Memory) ListSubscriptions(_ context.Context, workflowID string) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Subscription
	for _, s := range m.subscriptions[workflowID] {
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) SaveSubscription(_ context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscriptions[sub.WorkflowID]
	if !ok {
		subs = make(map[string]*model.Subscription)
		m.subscriptions[sub.WorkflowID] = subs
	}
	subs[sub.UserID] = clone(sub)
	return nil
}

func (m *Memory) GetUsers(_ context.Context, ids []string) ([]*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, clone(u))
		}
	}
	return out, nil
}

func (m *Memory) SaveUser(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = clone(user)
	return nil
}

func (m *Memory) UserTokens(_ context.Context, userID string) (map[string]model.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.Token, len(m.tokens[userID]))
	for url, t := range m.tokens[userID] {
		out[url] = t
	}
	return out, nil
}

func (m *Memory) SetUserToken(_ context.Context, userID, serviceURL string, token model.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens, ok := m.tokens[userID]
	if !ok {
		tokens = make(map[string]model.Token)
		m.tokens[userID] = tokens
	}
	tokens[serviceURL] = token
	return nil
}

func (m *Memory) FindNotificationByName(_ context.Context, name string) (*model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.notifications[name]), nil
}

func (m *Memory) LatestNotification(_ context.Context, instanceID string) (*model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *model.Notification
	for _, n := range m.notifications {
		if n.InstanceID != instanceID {
			continue
		}
		if latest == nil || n.Created.After(latest.Created) {
			latest = n
		}
	}
	return clone(latest), nil
}

func (m *Memory) SaveNotifications(_ context.Context, notifications []*model.Notification) ([]*model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inserted []*model.Notification
	for _, n := range notifications {
		if _, ok := m.notifications[n.Name]; ok {
			continue
		}
		m.notifications[n.Name] = clone(n)
		inserted = append(inserted, n)
	}
	return inserted, nil
}

func (m *Memory) ListPendingDeliveries(_ context.Context) ([]*model.PendingDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.PendingDelivery
	for _, n := range m.notifications {
		var users []*model.User
		for _, un := range n.Users {
			if un.Emailed != nil {
				continue
			}
			if u, ok := m.users[un.UserID]; ok {
				users = append(users, clone(u))
			}
		}
		if len(users) > 0 {
			out = append(out, &model.PendingDelivery{Notification: clone(n), Users: users})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Notification.Created.Before(out[j].Notification.Created)
	})
	return out, nil
}

func (m *Memory) MarkEmailed(_ context.Context, notificationID string, userIDs []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.notifications {
		if n.ID != notificationID {
			continue
		}
		for i := range n.Users {
			for _, id := range userIDs {
				if n.Users[i].UserID == id {
					t := at
					n.Users[i].Emailed = &t
				}
			}
		}
		return nil
	}
	return domain.ErrEntityNotFound.Wrap(goerr.New("notification not found"), goerr.V("notification_id", notificationID))
}

func (m *Memory) DeleteNotificationsBefore(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for name, n := range m.notifications {
		if n.Created.Before(before) {
			delete(m.notifications, name)
			deleted++
		}
	}
	return deleted, nil
}
