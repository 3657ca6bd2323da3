package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"marketpulse/logger"
	"marketpulse/models"
)

const (
	cvdFileName   = "cvd_data.json"
	priceFileName = "price_data.json"
)

// FileStore persists history as JSON files under a data directory. Writes
// go through a temp file and rename so readers never observe a partial
// file.
type FileStore struct {
	dir string
	log *logger.Log
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{dir: dir, log: logger.GetLogger()}, nil
}

func (s *FileStore) LoadCVD(ctx context.Context) ([]models.CVDPoint, error) {
	var points []models.CVDPoint
	if err := s.load(cvdFileName, &points); err != nil {
		return nil, err
	}
	return points, nil
}

func (s *FileStore) SaveCVD(ctx context.Context, points []models.CVDPoint) error {
	return s.save(cvdFileName, points)
}

func (s *FileStore) LoadPrices(ctx context.Context) ([]models.PricePoint, error) {
	var points []models.PricePoint
	if err := s.load(priceFileName, &points); err != nil {
		return nil, err
	}
	return points, nil
}

func (s *FileStore) SavePrices(ctx context.Context, points []models.PricePoint) error {
	return s.save(priceFileName, points)
}

func (s *FileStore) load(name string, out interface{}) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) save(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
