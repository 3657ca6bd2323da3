package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"marketpulse/models"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	cvd := []models.CVDPoint{
		{Timestamp: base, CVD: 100},
		{Timestamp: base.Add(time.Second), CVD: 103},
	}
	prices := []models.PricePoint{
		{Timestamp: base, Price: 50000},
	}

	if err := store.SaveCVD(ctx, cvd); err != nil {
		t.Fatalf("SaveCVD failed: %v", err)
	}
	if err := store.SavePrices(ctx, prices); err != nil {
		t.Fatalf("SavePrices failed: %v", err)
	}

	loadedCVD, err := store.LoadCVD(ctx)
	if err != nil {
		t.Fatalf("LoadCVD failed: %v", err)
	}
	if len(loadedCVD) != 2 || loadedCVD[1].CVD != 103 {
		t.Errorf("unexpected CVD history: %+v", loadedCVD)
	}
	if !loadedCVD[0].Timestamp.Equal(cvd[0].Timestamp) {
		t.Errorf("timestamp not preserved: %v vs %v", loadedCVD[0].Timestamp, cvd[0].Timestamp)
	}

	loadedPrices, err := store.LoadPrices(ctx)
	if err != nil {
		t.Fatalf("LoadPrices failed: %v", err)
	}
	if len(loadedPrices) != 1 || loadedPrices[0].Price != 50000 {
		t.Errorf("unexpected price history: %+v", loadedPrices)
	}
}

func TestFileStoreMissingFiles(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	cvd, err := store.LoadCVD(context.Background())
	if err != nil {
		t.Fatalf("LoadCVD on fresh directory failed: %v", err)
	}
	if len(cvd) != 0 {
		t.Errorf("expected empty history, got %+v", cvd)
	}
}

func TestFileStoreEmptyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, cvdFileName), nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	cvd, err := store.LoadCVD(context.Background())
	if err != nil {
		t.Fatalf("LoadCVD on empty file failed: %v", err)
	}
	if len(cvd) != 0 {
		t.Errorf("expected empty history, got %+v", cvd)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, cvdFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if _, err := store.LoadCVD(context.Background()); err == nil {
		t.Error("expected error for corrupt file")
	}
}

func TestFileStoreOverwrite(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()
	base := time.Now().UTC()

	if err := store.SaveCVD(ctx, []models.CVDPoint{{Timestamp: base, CVD: 1}}); err != nil {
		t.Fatalf("first SaveCVD failed: %v", err)
	}
	if err := store.SaveCVD(ctx, []models.CVDPoint{{Timestamp: base, CVD: 2}, {Timestamp: base.Add(time.Second), CVD: 3}}); err != nil {
		t.Fatalf("second SaveCVD failed: %v", err)
	}

	cvd, err := store.LoadCVD(ctx)
	if err != nil {
		t.Fatalf("LoadCVD failed: %v", err)
	}
	if len(cvd) != 2 || cvd[0].CVD != 2 {
		t.Errorf("expected latest save to win, got %+v", cvd)
	}
}
