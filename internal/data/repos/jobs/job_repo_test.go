package jobs

import (
	"context"
	"testing"

	"gorm.io/datatypes"

	"github.com/foundryworks/capiforge/internal/data/repos/testutil"
	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
)

func TestJobRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewJobRepo(db, testutil.Logger(t), 14400)

	ownerA := "owner-a"
	ownerB := "owner-b"

	jobA := &domain.Job{
		OwnerID:     ownerA,
		CustomerURL: "https://acme.example.com",
		Status:      domain.StatusPending,
		Payload:     datatypes.JSON([]byte(`{}`)),
	}
	jobB := &domain.Job{
		OwnerID:     ownerA,
		CustomerURL: "https://other.example.com",
		Status:      domain.StatusCompleted,
		Payload:     datatypes.JSON([]byte(`{}`)),
	}
	if err := repo.Create(ctx, tx, jobA); err != nil {
		t.Fatalf("Create jobA: %v", err)
	}
	if err := repo.Create(ctx, tx, jobB); err != nil {
		t.Fatalf("Create jobB: %v", err)
	}

	got, err := repo.Get(ctx, tx, jobA.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CustomerURL != jobA.CustomerURL {
		t.Fatalf("Get: expected %q got %q", jobA.CustomerURL, got.CustomerURL)
	}

	list, err := repo.List(ctx, tx, ownerA, "", "", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List: expected 2 got %d", len(list))
	}
	// newest first
	if list[0].ID != jobB.ID {
		t.Fatalf("List: expected newest-first order, got %v first", list[0].ID)
	}

	filtered, err := repo.List(ctx, tx, ownerA, domain.StatusCompleted, "", 10, 0)
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != jobB.ID {
		t.Fatalf("List filtered: expected only jobB, got %+v", filtered)
	}

	searched, err := repo.List(ctx, tx, ownerA, "", "acme", 10, 0)
	if err != nil {
		t.Fatalf("List search: %v", err)
	}
	if len(searched) != 1 || searched[0].ID != jobA.ID {
		t.Fatalf("List search: expected only jobA, got %+v", searched)
	}

	if err := repo.UpdateFields(ctx, tx, jobA.ID, map[string]interface{}{
		"status":        domain.StatusRunning,
		"current_phase": "research",
		"progress":      10,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	got, err = repo.Get(ctx, tx, jobA.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Status != domain.StatusRunning || got.Progress != 10 {
		t.Fatalf("UpdateFields: unexpected state %+v", got)
	}

	ok, err := repo.UpdateFieldsUnlessStatus(ctx, tx, jobB.ID, []string{domain.StatusCompleted, domain.StatusFailed, domain.StatusCanceled}, map[string]interface{}{
		"status": domain.StatusRunning,
	})
	if err != nil {
		t.Fatalf("UpdateFieldsUnlessStatus: %v", err)
	}
	if ok {
		t.Fatalf("UpdateFieldsUnlessStatus: expected guard to reject write on terminal job")
	}

	if err := repo.AppendLog(ctx, tx, &domain.LogEntry{JobID: jobA.ID, Level: domain.LogLevelInfo, Message: "starting"}); err != nil {
		t.Fatalf("AppendLog #1: %v", err)
	}
	if err := repo.AppendLog(ctx, tx, &domain.LogEntry{JobID: jobA.ID, Level: domain.LogLevelInfo, Message: "crawling"}); err != nil {
		t.Fatalf("AppendLog #2: %v", err)
	}
	logs, err := repo.ListLogs(ctx, tx, jobA.ID, 0)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("ListLogs: expected 2 got %d", len(logs))
	}
	if logs[0].Seq >= logs[1].Seq {
		t.Fatalf("ListLogs: expected monotone seq, got %d then %d", logs[0].Seq, logs[1].Seq)
	}

	stage := &domain.StageRecord{JobID: jobA.ID, Name: "research", Index: 0, Status: domain.StageStatusRunning}
	if err := repo.UpsertStage(ctx, tx, stage); err != nil {
		t.Fatalf("UpsertStage create: %v", err)
	}
	stage.Status = domain.StageStatusSucceeded
	if err := repo.UpsertStage(ctx, tx, stage); err != nil {
		t.Fatalf("UpsertStage update: %v", err)
	}
	stages, err := repo.ListStages(ctx, tx, jobA.ID)
	if err != nil {
		t.Fatalf("ListStages: %v", err)
	}
	if len(stages) != 1 || stages[0].Status != domain.StageStatusSucceeded {
		t.Fatalf("ListStages: unexpected result %+v", stages)
	}

	if err := repo.SetResults(ctx, tx, jobA.ID, []byte(`{"dataset_id":"acme_demo"}`)); err != nil {
		t.Fatalf("SetResults: %v", err)
	}
	got, err = repo.Get(ctx, tx, jobA.ID)
	if err != nil {
		t.Fatalf("Get after SetResults: %v", err)
	}
	if string(got.Result) != `{"dataset_id":"acme_demo"}` {
		t.Fatalf("SetResults: unexpected result %s", got.Result)
	}

	stats, err := repo.Stats(ctx, tx, ownerA)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("Stats: expected total 2 got %d", stats.Total)
	}

	otherJob := &domain.Job{OwnerID: ownerB, CustomerURL: "https://someone-else.example.com", Status: domain.StatusPending}
	if err := repo.Create(ctx, tx, otherJob); err != nil {
		t.Fatalf("Create otherJob: %v", err)
	}
	if err := repo.Delete(ctx, tx, otherJob.ID, ownerA); err == nil {
		t.Fatalf("Delete: expected unauthorized error for owner mismatch")
	}
	if err := repo.Delete(ctx, tx, otherJob.ID, ownerB); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, tx, otherJob.ID); err == nil {
		t.Fatalf("Get: expected error after delete")
	}
}
