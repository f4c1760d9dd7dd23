package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"storyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var ErrNotFound = errors.New("not found")

// NotFoundError names the missing entity while still matching ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Root, &desc, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, nil
}

// InsertProject writes p inside tx, or directly when tx is nil.
func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	var exec execer = r.DB
	if tx != nil {
		exec = tx
	}
	_, err := exec.ExecContext(ctx, `INSERT INTO projects(id,root,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Root, nullable(p.Description), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT id,root,description,created_at FROM projects WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, NotFoundError{Kind: "project", ID: id}
	}
	return p, err
}

// SingleProject returns the only registered project, used when no project is named.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,root,description,created_at FROM projects ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectRoot(ctx context.Context, id, root string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET root=? WHERE id=?`, root, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Kind: "project", ID: id}
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Kind: "project", ID: id}
	}
	return nil
}

type EventFilters struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     int64
}

// LatestEvents returns events newest first; Cursor pages to ids below it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
