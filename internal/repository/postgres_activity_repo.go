package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/stravasync/internal/database"
	"github.com/hitoshi/stravasync/internal/model"
)

const activityColumns = `id, subject_id, strava_activity_id, strava_athlete_id, distance, moving_time,
	total_elevation_gain, activity_type, start_date, start_date_local, stream_file_path, created_at, updated_at`

// PostgresActivityRepo はPostgreSQLを使用したアクティビティリポジトリ。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// FindByStravaID はStravaアクティビティIDで取得する。見つからない場合はnilを返す。
func (r *PostgresActivityRepo) FindByStravaID(ctx context.Context, stravaActivityID int64) (*model.Activity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE strava_activity_id = $1`,
		stravaActivityID,
	)
	a, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find activity by strava_activity_id: %w", err)
	}
	return a, nil
}

// ListBySubject は被験者のアクティビティをstart_date順で返す。
func (r *PostgresActivityRepo) ListBySubject(ctx context.Context, subjectID string) ([]*model.Activity, error) {
	return r.query(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE subject_id = $1 ORDER BY start_date, id`,
		subjectID,
	)
}

// Create はアクティビティを作成する。
// 存在確認とINSERTの間に並行リクエストが割り込んだ場合も、一意制約で重複行を防ぐ。
func (r *PostgresActivityRepo) Create(ctx context.Context, a *model.Activity) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO activities (subject_id, strava_activity_id, strava_athlete_id, distance, moving_time,
			total_elevation_gain, activity_type, start_date, start_date_local, stream_file_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		a.SubjectID, a.StravaActivityID, a.StravaAthleteID, a.Distance, a.MovingTime,
		a.TotalElevationGain, a.ActivityType, a.StartDate, a.StartDateLocal, a.StreamFilePath,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("activity %d: %w", a.StravaActivityID, model.ErrDuplicateUpstreamID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

// UpdateStreamPath はストリームハンドルを更新する。
func (r *PostgresActivityRepo) UpdateStreamPath(ctx context.Context, stravaActivityID int64, path string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE activities SET stream_file_path = $1, updated_at = now() WHERE strava_activity_id = $2`,
		path, stravaActivityID,
	)
	if err != nil {
		return fmt.Errorf("failed to update stream path: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("activity %d", stravaActivityID))
}

// Delete はアクティビティ行を削除する。
func (r *PostgresActivityRepo) Delete(ctx context.Context, stravaActivityID int64) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM activities WHERE strava_activity_id = $1`,
		stravaActivityID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete activity: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("activity %d", stravaActivityID))
}

// MarkStreamChecked はストリーム取得を試みた時刻を記録する。
func (r *PostgresActivityRepo) MarkStreamChecked(ctx context.Context, stravaActivityID int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE activities SET stream_checked_at = now() WHERE strava_activity_id = $1`,
		stravaActivityID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark stream checked: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("activity %d", stravaActivityID))
}

// ListMissingStream はストリーム未取得のアクティビティをlimit件返す。
// 未試行のものを先に、試行済みのものは最後に試みた時刻が古い順に並べる。
func (r *PostgresActivityRepo) ListMissingStream(ctx context.Context, limit int) ([]*model.Activity, error) {
	return r.query(ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE stream_file_path = ''
		 ORDER BY stream_checked_at NULLS FIRST, created_at, id
		 LIMIT $1`,
		limit,
	)
}

// ListWithStream はストリームハンドルを持つアクティビティをIDの昇順でページングして返す。
func (r *PostgresActivityRepo) ListWithStream(ctx context.Context, afterID int64, limit int) ([]*model.Activity, error) {
	return r.query(ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE stream_file_path <> '' AND id > $1
		 ORDER BY id
		 LIMIT $2`,
		afterID, limit,
	)
}

func (r *PostgresActivityRepo) query(ctx context.Context, query string, args ...any) ([]*model.Activity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var activities []*model.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activities: %w", err)
	}
	return activities, nil
}

func scanActivity(row rowScanner) (*model.Activity, error) {
	a := &model.Activity{}
	err := row.Scan(
		&a.ID, &a.SubjectID, &a.StravaActivityID, &a.StravaAthleteID,
		&a.Distance, &a.MovingTime, &a.TotalElevationGain, &a.ActivityType,
		&a.StartDate, &a.StartDateLocal, &a.StreamFilePath,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// compile-time interface check
var _ ActivityRepository = (*PostgresActivityRepo)(nil)
