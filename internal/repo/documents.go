package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"addie/internal/domain"
)

const documentColumns = `id,project_id,title,COALESCE(description,''),source_type,COALESCE(source_url,''),COALESCE(file_path,''),
COALESCE(content_text,''),status,chunk_count,COALESCE(error_code,''),COALESCE(error_message,''),created_at,updated_at`

func scanDocument(row rowScanner) (domain.Document, error) {
	var d domain.Document
	err := row.Scan(&d.ID, &d.ProjectID, &d.Title, &d.Description, &d.SourceType, &d.SourceURL, &d.FilePath,
		&d.ContentText, &d.Status, &d.ChunkCount, &d.ErrorCode, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,project_id,title,description,source_type,source_url,file_path,content_text,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Title, nullable(d.Description), d.SourceType, nullable(d.SourceURL), nullable(d.FilePath),
		nullable(d.ContentText), d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

// ListDocuments returns a project's documents in upload order.
func (r Repo) ListDocuments(ctx context.Context, projectID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE project_id=? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// SaveDocumentIndex records the outcome of indexing one document.
func (r Repo) SaveDocumentIndex(ctx context.Context, d domain.Document, chunks []string) error {
	if chunks == nil {
		chunks = []string{}
	}
	data, err := json.Marshal(chunks)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE documents SET status=?, chunk_count=?, chunks_json=?, error_code=?, error_message=?, updated_at=? WHERE id=?`,
		d.Status, len(chunks), string(data), nullable(d.ErrorCode), nullable(d.ErrorMessage), d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("update document %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DocumentChunks(ctx context.Context, id string) ([]string, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT chunks_json FROM documents WHERE id=?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var chunks []string
	if err := json.Unmarshal([]byte(raw), &chunks); err != nil {
		return nil, fmt.Errorf("decode chunks for %s: %w", id, err)
	}
	return chunks, nil
}

func (r Repo) InsertLearner(ctx context.Context, tx *sql.Tx, l domain.Learner) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO learners(id,org_id,name,created_at) VALUES (?,?,?,?)`, l.ID, l.OrgID, l.Name, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert learner: %w", err)
	}
	return nil
}

func (r Repo) ListLearners(ctx context.Context, orgID string) ([]domain.Learner, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,created_at FROM learners WHERE org_id=? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Learner{}
	for rows.Next() {
		var l domain.Learner
		if err := rows.Scan(&l.ID, &l.OrgID, &l.Name, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// EnsureEnrollment enrolls a learner into a course and returns the enrollment
// id. An existing enrollment for the pair is returned unchanged.
func (r Repo) EnsureEnrollment(ctx context.Context, e domain.Enrollment) (string, error) {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO enrollments(id,project_id,course_id,learner_id,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(course_id, learner_id) DO NOTHING`, e.ID, e.ProjectID, e.CourseID, e.LearnerID, e.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert enrollment: %w", err)
	}
	var id string
	if err := r.DB.QueryRowContext(ctx, `SELECT id FROM enrollments WHERE course_id=? AND learner_id=?`, e.CourseID, e.LearnerID).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (r Repo) CountEnrollments(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrollments WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}
