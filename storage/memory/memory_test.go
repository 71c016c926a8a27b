package memory

import (
	"context"
	"testing"
	"time"

	"github.com/heroku/actas/storage"
)

func TestStorage(t *testing.T) {
	ctx := context.Background()

	s := New()
	storage.Test(ctx, t, s)
}

func TestRecords(t *testing.T) {
	s := New()
	rec := storage.AuditRecord{Kind: storage.AuditKindStarted, ImpersonatorID: 1, ImpersonateeID: 2, At: time.Now()}
	if err := s.RecordImpersonation(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	got := s.Records()
	if len(got) != 1 || got[0] != rec {
		t.Errorf("want [%v], got %v", rec, got)
	}
}
