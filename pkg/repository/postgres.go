package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

//go:embed schema.sql
var schema string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores entities in PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, domain.ErrConfiguration.Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "failed to connect to database")
	}
	return &Postgres{pool: pool}, nil
}

func NewPostgresWithPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ interfaces.Repository = (*Postgres)(nil)

// EnsureSchema creates missing tables.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return goerr.Wrap(err, "failed to create schema")
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return goerr.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func exec(ctx context.Context, q querier, b sq.Sqlizer) (pgconn.CommandTag, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, goerr.Wrap(err, "failed to build query")
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return tag, goerr.Wrap(err, "failed to execute query", goerr.V("sql", sql))
	}
	return tag, nil
}

func query(ctx context.Context, q querier, b sq.Sqlizer) (pgx.Rows, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build query")
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to run query", goerr.V("sql", sql))
	}
	return rows, nil
}

func queryRow(ctx context.Context, q querier, b sq.Sqlizer, dest ...any) error {
	sql, args, err := b.ToSql()
	if err != nil {
		return goerr.Wrap(err, "failed to build query")
	}
	return q.QueryRow(ctx, sql, args...).Scan(dest...)
}

func (p *Postgres) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	rows, err := query(ctx, p.pool, psql.Select("id", "name").From("workflows").OrderBy("id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		var w model.Workflow
		if err := rows.Scan(&w.ID, &w.Name); err != nil {
			return nil, goerr.Wrap(err, "failed to scan workflow")
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	var w model.Workflow
	err := queryRow(ctx, p.pool,
		psql.Select("id", "name").From("workflows").Where(sq.Eq{"id": id}),
		&w.ID, &w.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEntityNotFound.Wrap(err, goerr.V("workflow_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get workflow", goerr.V("workflow_id", id))
	}
	return &w, nil
}

func (p *Postgres) SaveWorkflow(ctx context.Context, workflow *model.Workflow) error {
	_, err := exec(ctx, p.pool, psql.Insert("workflows").
		Columns("id", "name").
		Values(workflow.ID, workflow.Name).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name"))
	return err
}

var versionColumns = []string{
	"id", "workflow_id", "version", "crate_uri", "auth_hint", "created", "revision", "submitter_id", "app_managed",
}

func scanVersion(row pgx.Row) (*model.WorkflowVersion, error) {
	var v model.WorkflowVersion
	var revision []byte
	if err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.CrateURI, &v.AuthHint,
		&v.Created, &revision, &v.SubmitterID, &v.AppManaged); err != nil {
		return nil, err
	}
	v.Created = v.Created.UTC()
	if len(revision) > 0 {
		v.Revision = &model.Revision{}
		if err := json.Unmarshal(revision, v.Revision); err != nil {
			return nil, goerr.Wrap(err, "invalid revision", goerr.V("version_id", v.ID))
		}
	}
	return &v, nil
}

func (p *Postgres) ListVersions(ctx context.Context, workflowID string) ([]*model.WorkflowVersion, error) {
	rows, err := query(ctx, p.pool, psql.Select(versionColumns...).
		From("workflow_versions").
		Where(sq.Eq{"workflow_id": workflowID}).
		OrderBy("created", "id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan version")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to list versions")
	}

	if err := p.loadSuites(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) GetVersion(ctx context.Context, id string) (*model.WorkflowVersion, error) {
	sql, args, err := psql.Select(versionColumns...).From("workflow_versions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build query")
	}
	v, err := scanVersion(p.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEntityNotFound.Wrap(err, goerr.V("version_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get version", goerr.V("version_id", id))
	}

	if err := p.loadSuites(ctx, []*model.WorkflowVersion{v}); err != nil {
		return nil, err
	}
	return v, nil
}

func (p *Postgres) loadSuites(ctx context.Context, versions []*model.WorkflowVersion) error {
	if len(versions) == 0 {
		return nil
	}
	byVersion := make(map[string]*model.WorkflowVersion, len(versions))
	ids := make([]string, 0, len(versions))
	for _, v := range versions {
		byVersion[v.ID] = v
		ids = append(ids, v.ID)
	}

	rows, err := query(ctx, p.pool, psql.Select("id", "version_id", "name", "definition").
		From("test_suites").
		Where(sq.Eq{"version_id": ids}).
		OrderBy("id"))
	if err != nil {
		return err
	}
	suites := make(map[string]*model.TestSuite)
	var suiteIDs []string
	for rows.Next() {
		var s model.TestSuite
		var def []byte
		if err := rows.Scan(&s.ID, &s.VersionID, &s.Name, &def); err != nil {
			rows.Close()
			return goerr.Wrap(err, "failed to scan suite")
		}
		if len(def) > 0 {
			s.Definition = &model.TestDefinition{}
			if err := json.Unmarshal(def, s.Definition); err != nil {
				rows.Close()
				return goerr.Wrap(err, "invalid test definition", goerr.V("suite_id", s.ID))
			}
		}
		suites[s.ID] = &s
		suiteIDs = append(suiteIDs, s.ID)
		v := byVersion[s.VersionID]
		v.Suites = append(v.Suites, &s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return goerr.Wrap(err, "failed to list suites")
	}
	if len(suiteIDs) == 0 {
		return nil
	}

	rows, err = query(ctx, p.pool, psql.Select("id", "suite_id", "name", "service_kind", "service_url", "resource").
		From("test_instances").
		Where(sq.Eq{"suite_id": suiteIDs}).
		OrderBy("id"))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var i model.TestInstance
		if err := rows.Scan(&i.ID, &i.SuiteID, &i.Name, &i.Service.Kind, &i.Service.URL, &i.Resource); err != nil {
			return goerr.Wrap(err, "failed to scan instance")
		}
		s := suites[i.SuiteID]
		s.Instances = append(s.Instances, &i)
	}
	return rows.Err()
}

// SaveVersion upserts the version and replaces its suites and instances.
func (p *Postgres) SaveVersion(ctx context.Context, version *model.WorkflowVersion) error {
	var revision []byte
	if version.Revision != nil {
		raw, err := json.Marshal(version.Revision)
		if err != nil {
			return goerr.Wrap(err, "failed to encode revision")
		}
		revision = raw
	}

	return p.inTx(ctx, func(tx pgx.Tx) error {
		_, err := exec(ctx, tx, psql.Insert("workflow_versions").
			Columns(versionColumns...).
			Values(version.ID, version.WorkflowID, version.Version, version.CrateURI, version.AuthHint,
				version.Created, revision, version.SubmitterID, version.AppManaged).
			Suffix(`ON CONFLICT (id) DO UPDATE SET
				crate_uri = EXCLUDED.crate_uri,
				auth_hint = EXCLUDED.auth_hint,
				revision = EXCLUDED.revision,
				app_managed = EXCLUDED.app_managed`))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return domain.ErrEntityNotFound.Wrap(err, goerr.V("workflow_id", version.WorkflowID))
			}
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return domain.ErrIllegalState.Wrap(err, goerr.V("version", version.Version))
			}
			return err
		}

		if _, err := exec(ctx, tx, psql.Delete("test_suites").Where(sq.Eq{"version_id": version.ID})); err != nil {
			return err
		}

		for _, s := range version.Suites {
			var def []byte
			if s.Definition != nil {
				if def, err = json.Marshal(s.Definition); err != nil {
					return goerr.Wrap(err, "failed to encode test definition")
				}
			}
			if _, err := exec(ctx, tx, psql.Insert("test_suites").
				Columns("id", "version_id", "name", "definition").
				Values(s.ID, version.ID, s.Name, def)); err != nil {
				return err
			}

			if len(s.Instances) == 0 {
				continue
			}
			ins := psql.Insert("test_instances").
				Columns("id", "suite_id", "name", "service_kind", "service_url", "resource")
			for _, i := range s.Instances {
				ins = ins.Values(i.ID, s.ID, i.Name, string(i.Service.Kind), i.Service.URL, i.Resource)
			}
			if _, err := exec(ctx, tx, ins); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) GetService(ctx context.Context, url string) (*model.ServiceRef, error) {
	var ref model.ServiceRef
	err := queryRow(ctx, p.pool,
		psql.Select("url", "kind").From("testing_services").Where(sq.Eq{"url": url}),
		&ref.URL, &ref.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get testing service", goerr.V("url", url))
	}
	return &ref, nil
}

func (p *Postgres) SaveService(ctx context.Context, ref model.ServiceRef) error {
	_, err := exec(ctx, p.pool, psql.Insert("testing_services").
		Columns("url", "kind").
		Values(ref.URL, string(ref.Kind)).
		Suffix("ON CONFLICT (url) DO NOTHING"))
	return err
}

func (p *Postgres) ListSubscriptions(ctx context.Context, workflowID string) ([]*model.Subscription, error) {
	rows, err := query(ctx, p.pool, psql.Select("user_id", "workflow_id", "events").
		From("subscriptions").
		Where(sq.Eq{"workflow_id": workflowID}).
		OrderBy("user_id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		var s model.Subscription
		var events []int32
		if err := rows.Scan(&s.UserID, &s.WorkflowID, &events); err != nil {
			return nil, goerr.Wrap(err, "failed to scan subscription")
		}
		for _, e := range events {
			s.Events = append(s.Events, model.EventType(e))
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	events := make([]int32, 0, len(sub.Events))
	for _, e := range sub.Events {
		events = append(events, int32(e))
	}
	_, err := exec(ctx, p.pool, psql.Insert("subscriptions").
		Columns("user_id", "workflow_id", "events").
		Values(sub.UserID, sub.WorkflowID, events).
		Suffix("ON CONFLICT (user_id, workflow_id) DO UPDATE SET events = EXCLUDED.events"))
	return err
}

func (p *Postgres) GetUsers(ctx context.Context, ids []string) ([]*model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := query(ctx, p.pool, psql.Select("id", "username", "email", "notifications_enabled").
		From("users").
		Where(sq.Eq{"id": ids}).
		OrderBy("id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.NotificationsEnabled); err != nil {
			return nil, goerr.Wrap(err, "failed to scan user")
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveUser(ctx context.Context, user *model.User) error {
	_, err := exec(ctx, p.pool, psql.Insert("users").
		Columns("id", "username", "email", "notifications_enabled").
		Values(user.ID, user.Username, user.Email, user.NotificationsEnabled).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			notifications_enabled = EXCLUDED.notifications_enabled`))
	return err
}

func (p *Postgres) UserTokens(ctx context.Context, userID string) (map[string]model.Token, error) {
	rows, err := query(ctx, p.pool, psql.Select("service_url", "token_type", "secret").
		From("user_tokens").
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.Token)
	for rows.Next() {
		var url string
		var t model.Token
		if err := rows.Scan(&url, &t.Type, &t.Secret); err != nil {
			return nil, goerr.Wrap(err, "failed to scan user token")
		}
		out[url] = t
	}
	return out, rows.Err()
}

func (p *Postgres) SetUserToken(ctx context.Context, userID, serviceURL string, token model.Token) error {
	_, err := exec(ctx, p.pool, psql.Insert("user_tokens").
		Columns("user_id", "service_url", "token_type", "secret").
		Values(userID, serviceURL, token.Type, token.Secret).
		Suffix("ON CONFLICT (user_id, service_url) DO UPDATE SET token_type = EXCLUDED.token_type, secret = EXCLUDED.secret"))
	return err
}

var notificationColumns = []string{"id", "name", "event", "workflow_id", "instance_id", "data", "created"}

func (p *Postgres) findNotification(ctx context.Context, where sq.Sqlizer) (*model.Notification, error) {
	var n model.Notification
	var event int32
	var data []byte
	err := queryRow(ctx, p.pool, psql.Select(notificationColumns...).
		From("notifications").
		Where(where).
		OrderBy("created DESC").
		Limit(1),
		&n.ID, &n.Name, &event, &n.WorkflowID, &n.InstanceID, &data, &n.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to find notification")
	}
	n.Event = model.EventType(event)
	n.Data = data
	n.Created = n.Created.UTC()

	users, err := p.notificationUsers(ctx, []string{n.ID})
	if err != nil {
		return nil, err
	}
	n.Users = users[n.ID]
	return &n, nil
}

func (p *Postgres) notificationUsers(ctx context.Context, ids []string) (map[string][]model.UserNotification, error) {
	rows, err := query(ctx, p.pool, psql.Select("notification_id", "user_id", "emailed", "read").
		From("user_notifications").
		Where(sq.Eq{"notification_id": ids}).
		OrderBy("user_id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]model.UserNotification)
	for rows.Next() {
		var id string
		var un model.UserNotification
		if err := rows.Scan(&id, &un.UserID, &un.Emailed, &un.Read); err != nil {
			return nil, goerr.Wrap(err, "failed to scan user notification")
		}
		out[id] = append(out[id], un)
	}
	return out, rows.Err()
}

func (p *Postgres) FindNotificationByName(ctx context.Context, name string) (*model.Notification, error) {
	return p.findNotification(ctx, sq.Eq{"name": name})
}

func (p *Postgres) LatestNotification(ctx context.Context, instanceID string) (*model.Notification, error) {
	return p.findNotification(ctx, sq.Eq{"instance_id": instanceID})
}

func (p *Postgres) SaveNotifications(ctx context.Context, notifications []*model.Notification) ([]*model.Notification, error) {
	if len(notifications) == 0 {
		return nil, nil
	}
	var inserted []*model.Notification
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		inserted = inserted[:0]
		for _, n := range notifications {
			var id string
			err := queryRow(ctx, tx, psql.Insert("notifications").
				Columns(notificationColumns...).
				Values(n.ID, n.Name, int32(n.Event), n.WorkflowID, n.InstanceID, []byte(n.Data), n.Created).
				Suffix("ON CONFLICT (name) DO NOTHING RETURNING id"),
				&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return goerr.Wrap(err, "failed to insert notification", goerr.V("name", n.Name))
			}
			inserted = append(inserted, n)

			if len(n.Users) == 0 {
				continue
			}
			ins := psql.Insert("user_notifications").Columns("notification_id", "user_id", "emailed", "read")
			for _, u := range n.Users {
				ins = ins.Values(id, u.UserID, u.Emailed, u.Read)
			}
			if _, err := exec(ctx, tx, ins); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (p *Postgres) ListPendingDeliveries(ctx context.Context) ([]*model.PendingDelivery, error) {
	rows, err := query(ctx, p.pool, psql.Select(
		"n.id", "n.name", "n.event", "n.workflow_id", "n.instance_id", "n.data", "n.created",
		"u.id", "u.username", "u.email", "u.notifications_enabled").
		From("notifications n").
		Join("user_notifications un ON un.notification_id = n.id").
		Join("users u ON u.id = un.user_id").
		Where(sq.Eq{"un.emailed": nil}).
		OrderBy("n.created", "n.id", "u.id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PendingDelivery
	var current *model.PendingDelivery
	for rows.Next() {
		var n model.Notification
		var u model.User
		var event int32
		var data []byte
		if err := rows.Scan(&n.ID, &n.Name, &event, &n.WorkflowID, &n.InstanceID, &data, &n.Created,
			&u.ID, &u.Username, &u.Email, &u.NotificationsEnabled); err != nil {
			return nil, goerr.Wrap(err, "failed to scan pending delivery")
		}
		if current == nil || current.Notification.ID != n.ID {
			n.Event = model.EventType(event)
			n.Data = data
			n.Created = n.Created.UTC()
			current = &model.PendingDelivery{Notification: &n}
			out = append(out, current)
		}
		current.Users = append(current.Users, &u)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkEmailed(ctx context.Context, notificationID string, userIDs []string, at time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := exec(ctx, p.pool, psql.Update("user_notifications").
		Set("emailed", at).
		Where(sq.Eq{"notification_id": notificationID, "user_id": userIDs}))
	return err
}

func (p *Postgres) DeleteNotificationsBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := exec(ctx, p.pool, psql.Delete("notifications").Where(sq.Lt{"created": before}))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
