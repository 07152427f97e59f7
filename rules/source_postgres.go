package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresSource reads rules for one project from the rules table.
// Schema is managed by the migrations under migrations/.
type PostgresSource struct {
	db        *sql.DB
	projectID string
}

// NewPostgresSource creates a PostgreSQL-backed source for a project.
func NewPostgresSource(db *sql.DB, projectID string) *PostgresSource {
	return &PostgresSource{
		db:        db,
		projectID: projectID,
	}
}

// ListAll returns every rule of the project ordered by id.
func (s *PostgresSource) ListAll(ctx context.Context) ([]RuleDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, tags, depends_on, content, updated_at
		FROM rules
		WHERE project_id = $1
		ORDER BY id ASC
	`, s.projectID)
	if err != nil {
		return nil, sourceErr(ErrSourceUnavailable, "list", "", fmt.Errorf("failed to list rules: %w", err))
	}
	defer rows.Close()

	var docs []RuleDocument
	for rows.Next() {
		doc, err := scanRule(rows)
		if err != nil {
			return nil, sourceErr(ErrSourceBadResponse, "list", "", fmt.Errorf("failed to scan rule: %w", err))
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, sourceErr(ErrSourceUnavailable, "list", "", fmt.Errorf("error iterating rules: %w", err))
	}

	return docs, nil
}

// FetchOne returns a single rule.
func (s *PostgresSource) FetchOne(ctx context.Context, id string) (RuleDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, tags, depends_on, content, updated_at
		FROM rules
		WHERE project_id = $1 AND id = $2
	`, s.projectID, id)

	doc, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RuleDocument{}, sourceErr(ErrRuleNotFound, "fetch", id, nil)
	}
	if err != nil {
		return RuleDocument{}, sourceErr(ErrSourceUnavailable, "fetch", id, fmt.Errorf("failed to get rule: %w", err))
	}
	return doc, nil
}

// Save inserts or replaces a rule. Name, version, tags and dependencies
// missing from doc.Metadata are taken from the definition body.
func (s *PostgresSource) Save(ctx context.Context, doc RuleDocument) (RuleMetadata, error) {
	if doc.Metadata.ID == "" {
		return RuleMetadata{}, errors.New("rule id is required")
	}

	merged, err := documentFromContent(doc.Metadata, doc.Content)
	if err != nil {
		return RuleMetadata{}, err
	}
	meta := merged.Metadata
	meta.LastModified = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (project_id, id, name, version, tags, depends_on, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (project_id, id) DO UPDATE
		SET name = EXCLUDED.name,
		    version = EXCLUDED.version,
		    tags = EXCLUDED.tags,
		    depends_on = EXCLUDED.depends_on,
		    content = EXCLUDED.content,
		    updated_at = EXCLUDED.updated_at
	`, s.projectID, meta.ID, meta.Name, meta.Version,
		pq.Array(nonNil(meta.Tags)), pq.Array(nonNil(meta.DependsOn)),
		merged.Content, meta.LastModified)
	if err != nil {
		return RuleMetadata{}, fmt.Errorf("failed to save rule: %w", err)
	}

	return meta, nil
}

// Delete removes a rule. A missing rule yields ErrRuleNotFound.
func (s *PostgresSource) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rules
		WHERE project_id = $1 AND id = $2
	`, s.projectID, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return sourceErr(ErrRuleNotFound, "delete", id, nil)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (RuleDocument, error) {
	var (
		meta    RuleMetadata
		tags    []string
		deps    []string
		content []byte
	)
	err := row.Scan(
		&meta.ID,
		&meta.Name,
		&meta.Version,
		pq.Array(&tags),
		pq.Array(&deps),
		&content,
		&meta.LastModified,
	)
	if err != nil {
		return RuleDocument{}, err
	}
	meta.Tags = normalizeTags(tags)
	if len(deps) > 0 {
		meta.DependsOn = deps
	}
	return RuleDocument{Metadata: meta, Content: content}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
