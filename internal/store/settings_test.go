package store

import (
	"errors"
	"testing"
)

func TestSettingsRepository_SetGet(t *testing.T) {
	s := newTestStore(t)
	repo := s.Settings()

	if _, err := repo.Get(SettingSelectedOverlay); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before set, got %v", err)
	}

	if err := repo.Set(SettingSelectedOverlay, "overlay-1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := repo.Set(SettingSelectedOverlay, "overlay-2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	got, err := repo.Get(SettingSelectedOverlay)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != "overlay-2" {
		t.Errorf("Get() = %q, want overlay-2", got)
	}
}

func TestSettingsRepository_All(t *testing.T) {
	s := newTestStore(t)
	repo := s.Settings()

	want := map[string]string{"a": "1", "b": "2"}
	for k, v := range want {
		if err := repo.Set(k, v); err != nil {
			t.Fatalf("set %q failed: %v", k, err)
		}
	}

	got, err := repo.All()
	if err != nil {
		t.Fatalf("all failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("All() returned %d settings, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("All()[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestSettingsRepository_Delete(t *testing.T) {
	s := newTestStore(t)
	repo := s.Settings()

	if err := repo.Set("k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := repo.Delete("k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := repo.Delete("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
