package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/stravasync/internal/database"
	"github.com/hitoshi/stravasync/internal/model"
)

const subjectColumns = `id, subject_id, strava_id, sex, access_token, refresh_token, expires_at, created_at, updated_at`

// PostgresSubjectRepo はPostgreSQLを使用した被験者リポジトリ。
type PostgresSubjectRepo struct {
	db *sql.DB
}

// NewPostgresSubjectRepo はPostgresSubjectRepoを生成する。
func NewPostgresSubjectRepo(db *sql.DB) *PostgresSubjectRepo {
	return &PostgresSubjectRepo{db: db}
}

// FindBySubjectID は被験者コードで被験者を取得する。見つからない場合はnilを返す。
func (r *PostgresSubjectRepo) FindBySubjectID(ctx context.Context, subjectID string) (*model.Subject, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE subject_id = $1`,
		subjectID,
	)
	s, err := scanSubject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subject by subject_id: %w", err)
	}
	return s, nil
}

// FindByStravaID はStravaアスリートIDで被験者を取得する。見つからない場合はnilを返す。
func (r *PostgresSubjectRepo) FindByStravaID(ctx context.Context, stravaID int64) (*model.Subject, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE strava_id = $1`,
		stravaID,
	)
	s, err := scanSubject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subject by strava_id: %w", err)
	}
	return s, nil
}

// List は全被験者をsubject_id順で返す。
func (r *PostgresSubjectRepo) List(ctx context.Context) ([]*model.Subject, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects ORDER BY subject_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []*model.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subjects: %w", err)
	}
	return subjects, nil
}

// Create は被験者を作成する。
func (r *PostgresSubjectRepo) Create(ctx context.Context, s *model.Subject) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO subjects (subject_id, strava_id, sex, access_token, refresh_token, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		s.SubjectID, s.StravaID, s.Sex, s.AccessToken, s.RefreshToken, s.ExpiresAt,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("subject %s (strava_id=%d): %w", s.SubjectID, s.StravaID, model.ErrDuplicateUpstreamID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert subject: %w", err)
	}
	return nil
}

// UpdateTokens は被験者のトークン3点組を更新する。
func (r *PostgresSubjectRepo) UpdateTokens(ctx context.Context, subjectID string, tokens model.TokenSet) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subjects
		 SET access_token = $1, refresh_token = $2, expires_at = $3, updated_at = now()
		 WHERE subject_id = $4`,
		tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, subjectID,
	)
	if err != nil {
		return fmt.Errorf("failed to update subject tokens: %w", err)
	}
	return requireRowsAffected(result, "subject "+subjectID)
}

// Delete は被験者を削除する。activitiesはCASCADE削除される。
func (r *PostgresSubjectRepo) Delete(ctx context.Context, subjectID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subjects WHERE subject_id = $1`,
		subjectID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete subject: %w", err)
	}
	return requireRowsAffected(result, "subject "+subjectID)
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (*model.Subject, error) {
	s := &model.Subject{}
	err := row.Scan(
		&s.ID, &s.SubjectID, &s.StravaID, &s.Sex,
		&s.AccessToken, &s.RefreshToken, &s.ExpiresAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// requireRowsAffected は更新/削除が1行以上に作用したことを確認する。
// 0行の場合はmodel.ErrNotFoundをラップして返す。
func requireRowsAffected(result sql.Result, target string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", target, model.ErrNotFound)
	}
	return nil
}

// compile-time interface check
var _ SubjectRepository = (*PostgresSubjectRepo)(nil)
