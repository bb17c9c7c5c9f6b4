package migrate

import (
	"errors"
	"testing"

	"sessionguard/internal/db"
)

func TestRun_EmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		if err := Run(dsn, Up); !errors.Is(err, db.ErrEmptyDSN) {
			t.Errorf("Run(%q) err = %v, want ErrEmptyDSN", dsn, err)
		}
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "invalid", "UP", "Down", "both"} {
		t.Run(direction, func(t *testing.T) {
			if err := Run("postgres://localhost/test", direction); err == nil {
				t.Errorf("Run with direction %q should return error", direction)
			}
		})
	}
}

func TestRun_UnknownScheme(t *testing.T) {
	err := Run("mysql://localhost/test", Up)
	if err == nil {
		t.Fatal("Run with unsupported database scheme should return error")
	}
	if errors.Is(err, ErrNoChange) {
		t.Error("Run should not surface ErrNoChange")
	}
}

func TestVersions(t *testing.T) {
	got, err := Versions()
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(got) == 0 || got[0] != 1 {
		t.Fatalf("Versions = %v, want first version 1", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("versions not ascending: %v", got)
		}
	}
}
