package artifact

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dripline/dripline/engine/pkg/models"
)

func TestCreateAndGet(t *testing.T) {
	s := NewStore(0)

	id, err := s.Create(CreateInput{
		Type:      models.ArtifactDCAPlan,
		SessionID: "s1",
		Data:      map[string]interface{}{"budget": 100.0},
		Metadata:  models.ArtifactMetadata{Source: "planner", Tags: []string{"dca"}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got := s.Get(id)
	if got == nil {
		t.Fatal("Get() returned nil for a live artifact")
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.Data["budget"] != 100.0 {
		t.Errorf("Data[budget] = %v, want 100", got.Data["budget"])
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(0)
	id, _ := s.Create(CreateInput{
		Type:      models.ArtifactDCAPlan,
		SessionID: "s1",
		Data:      map[string]interface{}{"budget": 100.0},
		Metadata:  models.ArtifactMetadata{Source: "planner"},
	})

	got := s.Get(id)
	got.Data["budget"] = -1.0

	again := s.Get(id)
	if again.Data["budget"] != 100.0 {
		t.Error("mutating a returned artifact leaked into the store")
	}
}

func TestUpdateMergesAndBumpsVersion(t *testing.T) {
	s := NewStore(0)
	id, _ := s.Create(CreateInput{
		Type:      models.ArtifactDCAPlan,
		SessionID: "s1",
		Data:      map[string]interface{}{"budget": 100.0, "legs": 4},
		Metadata:  models.ArtifactMetadata{Source: "planner"},
	})

	if !s.Update(id, map[string]interface{}{"legs": 5, "note": "revised"}, []string{"revised"}) {
		t.Fatal("Update() = false, want true")
	}

	got := s.Get(id)
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.Data["budget"] != 100.0 {
		t.Error("update replaced data instead of merging")
	}
	if got.Data["legs"] != 5 {
		t.Errorf("Data[legs] = %v, want 5", got.Data["legs"])
	}

	byTag := s.Query(models.ArtifactQuery{Tags: []string{"revised"}})
	if len(byTag) != 1 {
		t.Errorf("tag query after update returned %d, want 1", len(byTag))
	}
}

func TestParentMustShareSession(t *testing.T) {
	s := NewStore(0)
	parent, _ := s.Create(CreateInput{
		Type: models.ArtifactDCAPlan, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "planner"},
	})

	_, err := s.Create(CreateInput{
		Type: models.ArtifactExecutionReport, SessionID: "s2",
		Metadata: models.ArtifactMetadata{Source: "scheduler", ParentID: parent},
	})
	if err == nil {
		t.Fatal("Create() with cross-session parent succeeded, want error")
	}

	_, err = s.Create(CreateInput{
		Type: models.ArtifactExecutionReport, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "scheduler", ParentID: "missing"},
	})
	if err == nil {
		t.Fatal("Create() with missing parent succeeded, want error")
	}
}

func TestDeleteCascadesToChildren(t *testing.T) {
	s := NewStore(0)
	plan, _ := s.Create(CreateInput{
		Type: models.ArtifactDCAPlan, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "planner"},
	})
	report, _ := s.Create(CreateInput{
		Type: models.ArtifactExecutionReport, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "scheduler", ParentID: plan},
	})
	grandchild, _ := s.Create(CreateInput{
		Type: models.ArtifactExecutionReport, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "scheduler", ParentID: report},
	})

	if !s.Delete(plan) {
		t.Fatal("Delete() = false, want true")
	}
	for _, id := range []string{plan, report, grandchild} {
		if s.Get(id) != nil {
			t.Errorf("artifact %s survived cascade delete", id)
		}
	}
	if s.Count() != 0 {
		t.Errorf("Count() = %d after cascade, want 0", s.Count())
	}
}

func TestDeleteDetachesFromParent(t *testing.T) {
	s := NewStore(0)
	plan, _ := s.Create(CreateInput{
		Type: models.ArtifactDCAPlan, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "planner"},
	})
	report, _ := s.Create(CreateInput{
		Type: models.ArtifactExecutionReport, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "scheduler", ParentID: plan},
	})

	s.Delete(report)

	got := s.Get(plan)
	if len(got.Metadata.ChildIDs) != 0 {
		t.Errorf("parent still lists %d children after child delete", len(got.Metadata.ChildIDs))
	}
}

func TestQueryNewestFirstWithLimit(t *testing.T) {
	s := NewStore(0)
	var last string
	for i := 0; i < 5; i++ {
		last, _ = s.Create(CreateInput{
			Type: models.ArtifactMarketAnalysis, SessionID: "s1",
			Metadata: models.ArtifactMetadata{Source: "market"},
		})
		time.Sleep(time.Millisecond)
	}

	got := s.Query(models.ArtifactQuery{SessionID: "s1", Limit: 3})
	if len(got) != 3 {
		t.Fatalf("Query() returned %d, want 3", len(got))
	}
	if got[0].ID != last {
		t.Error("Query() is not newest-first")
	}
}

func TestExpiredNeverReturned(t *testing.T) {
	s := NewStore(0)
	id, _ := s.Create(CreateInput{
		Type: models.ArtifactMarketAnalysis, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "market"},
		TTL:      time.Millisecond,
	})
	time.Sleep(5 * time.Millisecond)

	// Before any sweep runs: lazy expiry on read.
	if got := s.Query(models.ArtifactQuery{SessionID: "s1"}); len(got) != 0 {
		t.Errorf("Query() returned %d expired artifacts, want 0", len(got))
	}
	if got := s.Query(models.ArtifactQuery{SessionID: "s1", IncludeExpired: true}); len(got) != 1 {
		t.Errorf("Query(IncludeExpired) returned %d, want 1", len(got))
	}
	if s.Get(id) != nil {
		t.Error("Get() returned an expired artifact")
	}
	// Lazy delete happened on Get.
	if got := s.Query(models.ArtifactQuery{SessionID: "s1", IncludeExpired: true}); len(got) != 0 {
		t.Error("expired artifact survived lazy delete")
	}
}

func TestSweepBoundsStore(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < 20; i++ {
		s.Create(CreateInput{
			Type: models.ArtifactMarketAnalysis, SessionID: "s1",
			Metadata: models.ArtifactMetadata{Source: "market"},
			TTL:      time.Millisecond,
		})
	}
	time.Sleep(5 * time.Millisecond)

	if n := s.Sweep(time.Now().UTC()); n != 20 {
		t.Errorf("Sweep() removed %d, want 20", n)
	}
	if s.Count() != 0 {
		t.Errorf("Count() = %d after sweep, want 0", s.Count())
	}
}

// failingArchiver always errors, to exercise the fail-safe path.
type failingArchiver struct{}

func (failingArchiver) Kind() string { return "failing" }
func (failingArchiver) ArchiveArtifacts(context.Context, []models.Artifact) (string, error) {
	return "", errors.New("backend down")
}
func (failingArchiver) HealthCheck(context.Context) error { return errors.New("backend down") }

func TestJanitorFailSafeKeepsDataWhenArchiveFails(t *testing.T) {
	s := NewStore(0)
	s.Create(CreateInput{
		Type: models.ArtifactMarketAnalysis, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "market"},
		TTL:      time.Millisecond,
	})
	time.Sleep(5 * time.Millisecond)

	j := NewJanitor(s, time.Hour)
	j.SetArchiver(failingArchiver{})
	j.RunCycle(context.Background())

	if got := s.Query(models.ArtifactQuery{SessionID: "s1", IncludeExpired: true}); len(got) != 1 {
		t.Error("janitor purged an artifact the archiver failed to write")
	}
}

func TestJanitorArchivesThenPurges(t *testing.T) {
	s := NewStore(0)
	s.Create(CreateInput{
		Type: models.ArtifactMarketAnalysis, SessionID: "s1",
		Metadata: models.ArtifactMetadata{Source: "market"},
		TTL:      time.Millisecond,
	})
	time.Sleep(5 * time.Millisecond)

	j := NewJanitor(s, time.Hour)
	j.SetArchiver(NewLocalFileArchiver(t.TempDir(), false))
	j.RunCycle(context.Background())

	if s.Count() != 0 {
		t.Errorf("Count() = %d after archive cycle, want 0", s.Count())
	}
	records := j.Records()
	if len(records) != 1 {
		t.Fatalf("got %d archive records, want 1", len(records))
	}
	if records[0].RecordCount != 1 {
		t.Errorf("RecordCount = %d, want 1", records[0].RecordCount)
	}
}

func TestLocalArchiverFlushesCompressedBatch(t *testing.T) {
	a := NewLocalFileArchiver(t.TempDir(), true)

	batch := []models.Artifact{
		{ID: "a1", Type: models.ArtifactMarketAnalysis, SessionID: "s1"},
		{ID: "a2", Type: models.ArtifactDCAPlan, SessionID: "s1"},
	}
	uri, err := a.ArchiveArtifacts(context.Background(), batch)
	if err != nil {
		t.Fatalf("ArchiveArtifacts() error = %v", err)
	}

	// The batch must be fully flushed and decodable the moment the call
	// returns: the janitor purges the originals on success.
	f, err := os.Open(uri)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", uri, err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}

	dec := json.NewDecoder(gr)
	var got []models.Artifact
	for dec.More() {
		var a models.Artifact
		if err := dec.Decode(&a); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		got = append(got, a)
	}
	if err := gr.Close(); err != nil {
		t.Fatalf("archive stream truncated: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("decoded %d artifacts, want 2", len(got))
	}
	if got[0].ID != "a1" || got[1].ID != "a2" {
		t.Errorf("decoded ids = %s, %s, want a1, a2", got[0].ID, got[1].ID)
	}
}
