package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/instadrop/drop-service/internal/domain"
	"github.com/instadrop/drop-service/internal/store"
)

func validUpload() domain.DropUpload {
	return domain.DropUpload{
		Title:        "Night city LUTs",
		Price:        "2.5",
		SellerWallet: testSeller,
		Description:  "12 cinematic LUTs",
		Category:     "design",
		OriginalName: "luts.zip",
		Size:         int64(len("zip-bytes")),
		MimeType:     "application/zip",
	}
}

func TestCreateDrop_ListsAndStoresArtifact(t *testing.T) {
	f := newGateFixture(t)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	drop, err := f.svc.CreateDrop(context.Background(), validUpload(), strings.NewReader("zip-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !regexp.MustCompile(`^[0-9a-f]{12}$`).MatchString(drop.ID) {
		t.Fatalf("unexpected id format %q", drop.ID)
	}
	wantKey := fmt.Sprintf("%d-%s-luts.zip", fixed.UnixMilli(), drop.ID)
	if drop.Filename != wantKey {
		t.Fatalf("expected storage key %q, got %q", wantKey, drop.Filename)
	}
	if drop.Price != 2.5 || drop.IsFree || drop.Downloads != 0 || !drop.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected drop fields %+v", drop)
	}

	rc, _, err := f.files.Open(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	defer rc.Close()
	if b, _ := io.ReadAll(rc); string(b) != "zip-bytes" {
		t.Fatalf("unexpected stored bytes %q", b)
	}

	if _, err := f.repo.FindDropByID(context.Background(), drop.ID); err != nil {
		t.Fatalf("drop not listed: %v", err)
	}
	select {
	case created := <-f.publisher.created:
		if created.ID != drop.ID {
			t.Fatalf("unexpected created event for %s", created.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for created event")
	}
}

func TestCreateDrop_Defaults(t *testing.T) {
	f := newGateFixture(t)
	upload := validUpload()
	upload.Title = "  "
	upload.IsFree = true
	upload.Price = "not-a-number"
	upload.MimeType = ""

	drop, err := f.svc.CreateDrop(context.Background(), upload, strings.NewReader("zip-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drop.Title != "luts.zip" {
		t.Fatalf("expected title to default to the file name, got %q", drop.Title)
	}
	if drop.Price != 0 || !drop.IsFree {
		t.Fatalf("free uploads must be listed at price 0, got %+v", drop)
	}
	if drop.MimeType != "application/octet-stream" {
		t.Fatalf("unexpected default mimetype %q", drop.MimeType)
	}
}

func TestCreateDrop_Validation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*domain.DropUpload)
		noContent bool
		wantErr   error
	}{
		{name: "no file", mutate: func(u *domain.DropUpload) {}, noContent: true, wantErr: ErrNoFile},
		{name: "no file name", mutate: func(u *domain.DropUpload) { u.OriginalName = "" }, wantErr: ErrNoFile},
		{name: "missing seller", mutate: func(u *domain.DropUpload) { u.SellerWallet = "   " }, wantErr: ErrSellerRequired},
		{name: "negative price", mutate: func(u *domain.DropUpload) { u.Price = "-1" }, wantErr: ErrInvalidPrice},
		{name: "unparsable price", mutate: func(u *domain.DropUpload) { u.Price = "five" }, wantErr: ErrInvalidPrice},
		{name: "empty price", mutate: func(u *domain.DropUpload) { u.Price = "" }, wantErr: ErrInvalidPrice},
		{name: "infinite price", mutate: func(u *domain.DropUpload) { u.Price = "Inf" }, wantErr: ErrInvalidPrice},
		{name: "executable", mutate: func(u *domain.DropUpload) { u.OriginalName = "setup.exe" }, wantErr: ErrUnsupportedFileType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture(t)
			upload := validUpload()
			tt.mutate(&upload)
			var content io.Reader = strings.NewReader("zip-bytes")
			if tt.noContent {
				content = nil
			}

			_, err := f.svc.CreateDrop(context.Background(), upload, content)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if f.repo.creates != 0 {
				t.Fatalf("invalid uploads must not be listed")
			}
		})
	}
}

func TestCreateDrop_TooLarge(t *testing.T) {
	f := newGateFixture(t)
	f.svc = NewService(f.repo, f.files, f.verifier, f.publisher, Options{MaxUploadBytes: 4})

	_, err := f.svc.CreateDrop(context.Background(), validUpload(), strings.NewReader("zip-bytes"))
	var tooLarge *FileTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected FileTooLargeError, got %v", err)
	}
	if tooLarge.LimitText() != "4 B" {
		t.Fatalf("unexpected limit text %q", tooLarge.LimitText())
	}
	if DefaultMaxUploadBytes != 500*1024*1024 || (&FileTooLargeError{Limit: DefaultMaxUploadBytes}).LimitText() != "500 MiB" {
		t.Fatalf("unexpected default upload limit")
	}
}

func TestCreateDrop_RetriesOnIDCollision(t *testing.T) {
	f := newGateFixture(t)
	f.repo.createErr = []error{store.ErrDuplicateDrop, nil}

	if _, err := f.svc.CreateDrop(context.Background(), validUpload(), strings.NewReader("zip-bytes")); err != nil {
		t.Fatalf("expected collision to be retried, got %v", err)
	}
	if f.repo.creates != 2 {
		t.Fatalf("expected two create attempts, got %d", f.repo.creates)
	}
}

func TestCreateDrop_SameNameSameInstantKeepsBothArtifacts(t *testing.T) {
	f := newGateFixture(t)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, err := f.svc.CreateDrop(ctx, validUpload(), strings.NewReader("zip-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.svc.CreateDrop(ctx, validUpload(), strings.NewReader("zip-BYTES"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Filename == second.Filename {
		t.Fatalf("expected distinct storage keys, both were %q", first.Filename)
	}

	for _, tc := range []struct {
		key  string
		want string
	}{{first.Filename, "zip-bytes"}, {second.Filename, "zip-BYTES"}} {
		rc, _, err := f.files.Open(ctx, tc.key)
		if err != nil {
			t.Fatalf("artifact %s not stored: %v", tc.key, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		if string(b) != tc.want {
			t.Fatalf("artifact %s holds %q, want %q", tc.key, b, tc.want)
		}
	}
}

func TestCreateDrop_StripsDirectoriesFromName(t *testing.T) {
	f := newGateFixture(t)
	upload := validUpload()
	upload.OriginalName = `..\..\windows\luts.zip`

	drop, err := f.svc.CreateDrop(context.Background(), upload, strings.NewReader("zip-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drop.OriginalName != "luts.zip" || strings.ContainsAny(drop.Filename, `/\`) {
		t.Fatalf("expected directory components to be stripped, got %+v", drop)
	}
}

func TestAllowedExtension(t *testing.T) {
	for _, name := range []string{"a.PDF", "b.zip", "c.tar.7z", "d.sketch", "e.csv"} {
		if !AllowedExtension(name) {
			t.Fatalf("expected %s to be allowed", name)
		}
	}
	for _, name := range []string{"a.exe", "b", "c.sh", "d.php"} {
		if AllowedExtension(name) {
			t.Fatalf("expected %s to be rejected", name)
		}
	}
}

type snapshotterStub struct {
	count int
	err   error
	calls int
}

func (s *snapshotterStub) Snapshot(ctx context.Context) (int, error) {
	s.calls++
	return s.count, s.err
}

func TestJobs_BackupMetadata(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	snap := &snapshotterStub{count: 4}
	jobs := NewJobs(snap, nil, logger)

	jobs.BackupMetadata()
	snap.err = errors.New("disk full")
	jobs.BackupMetadata()

	if snap.calls != 2 {
		t.Fatalf("expected two snapshot calls, got %d", snap.calls)
	}

	NewJobs(nil, nil, logger).BackupMetadata()
}

func TestScheduler_RegistersConfiguredJobs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	withBackup := NewScheduler(NewJobs(&snapshotterStub{}, nil, logger), logger, Schedules{Backup: "@every 15m", StatsReport: "@hourly"})
	if n := withBackup.Start(); n != 2 {
		t.Fatalf("expected two scheduled jobs, got %d", n)
	}
	<-withBackup.Stop().Done()

	noBackup := NewScheduler(NewJobs(nil, nil, logger), logger, Schedules{Backup: "@every 15m", StatsReport: "not a schedule"})
	if n := noBackup.Start(); n != 0 {
		t.Fatalf("expected no scheduled jobs, got %d", n)
	}
	<-noBackup.Stop().Done()
}
