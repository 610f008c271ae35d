package stream

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// FileStore はストリームをCSVとしてディレクトリに保存する。
// 保存先は <dir>/<strava_activity_id>.csv で一意に決まる。
type FileStore struct {
	dir string
}

// NewFileStore はFileStoreを生成し、保存先ディレクトリを作成する。
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create stream directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir は保存先ディレクトリを返す。
func (s *FileStore) Dir() string {
	return s.dir
}

// Path はアクティビティのストリーム保存先を返す。
func (s *FileStore) Path(stravaActivityID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(stravaActivityID, 10)+".csv")
}

// Write は表を一時ファイルに書き出してから保存先へリネームし、保存先パスを返す。
func (s *FileStore) Write(stravaActivityID int64, t *Table) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".stream-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	if err := w.Write(t.Columns); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write header: %w", err)
	}
	if err := w.WriteAll(t.Rows); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write rows: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	path := s.Path(stravaActivityID)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to move stream file: %w", err)
	}
	return path, nil
}

// Read は保存済みの表を読み込む。ファイルが無い場合はfs.ErrNotExistを包んで返す。
func (s *FileStore) Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse stream file: %w", err)
	}
	if len(records) == 0 {
		return &Table{}, nil
	}
	return &Table{Columns: records[0], Rows: records[1:]}, nil
}

// Exists は保存先にファイルが存在するかを返す。
func (s *FileStore) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat stream file: %w", err)
}

// Remove はファイルを削除する。既に存在しない場合は何もしない。
func (s *FileStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stream file: %w", err)
	}
	return nil
}
