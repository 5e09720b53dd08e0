package services

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/huangang/vulnsync/internal/models"
)

func TestPush_CreatesIssueAndLink(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, nil)
	entity := models.EntityFromFinding(finding)

	if !svc.Push(entity) {
		t.Fatal("push of an eligible unlinked finding should succeed")
	}
	if len(fake.createCalls) != 1 {
		t.Fatalf("create calls = %d, want 1", len(fake.createCalls))
	}

	var links []models.JIRAIssue
	db.Find(&links)
	if len(links) != 1 {
		t.Fatalf("links = %d, want exactly one", len(links))
	}
	link := links[0]
	if link.JiraKey != "TEST-1" || link.FindingID == nil || *link.FindingID != finding.ID {
		t.Errorf("link = %+v, want TEST-1 bound to finding %d", link, finding.ID)
	}
	if link.JiraCreation.IsZero() || !link.JiraCreation.Equal(link.JiraChange) {
		t.Errorf("timestamps creation=%v change=%v, want equal and set", link.JiraCreation, link.JiraChange)
	}
}

func TestPush_SecondPushTakesUpdatePath(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, nil)
	entity := models.EntityFromFinding(finding)

	if !svc.Push(entity) {
		t.Fatal("first push failed")
	}
	if !svc.Push(entity) {
		t.Fatal("second push failed")
	}

	if len(fake.createCalls) != 1 {
		t.Errorf("create calls = %d, want 1", len(fake.createCalls))
	}
	if len(fake.updateCalls) != 1 {
		t.Errorf("update calls = %d, want 1", len(fake.updateCalls))
	}

	var count int64
	db.Model(&models.JIRAIssue{}).Count(&count)
	if count != 1 {
		t.Errorf("links = %d, want still exactly one", count)
	}
}

func TestPush_UpdateUnionsRemoteLabels(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	db.Model(w.Project).Update("labels", "derived")
	finding := seedFinding(t, db, w, nil)
	entity := models.EntityFromFinding(finding)

	if !svc.Push(entity) {
		t.Fatal("create push failed")
	}
	fake.remote = &RemoteIssue{
		ID: "10001", Key: "TEST-1", Status: "Open",
		Labels: []string{"triage-board", "derived"},
	}
	if !svc.Push(entity) {
		t.Fatal("update push failed")
	}

	labels, ok := fake.updateCalls[0].Fields["labels"].([]string)
	if !ok {
		t.Fatalf("update fields carry no labels: %v", fake.updateCalls[0].Fields)
	}
	seen := make(map[string]int)
	for _, l := range labels {
		seen[l]++
	}
	if seen["triage-board"] != 1 || seen["derived"] != 1 {
		t.Errorf("labels = %v, want remote labels retained without duplicates", labels)
	}
}

func TestPush_UpdatePreservesRemoteComponents(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	db.Model(w.Project).Update("component", "backend")
	db.First(w.Project, w.Project.ID)
	finding := seedFinding(t, db, w, nil)
	entity := models.EntityFromFinding(finding)

	if !svc.Push(entity) {
		t.Fatal("create push failed")
	}
	if _, present := fake.createCalls[0]["components"]; !present {
		t.Error("create fields should carry the configured component")
	}

	fake.remote = &RemoteIssue{
		ID: "10001", Key: "TEST-1", Status: "Open",
		Components: []string{"frontend"},
	}
	if !svc.Push(entity) {
		t.Fatal("update push failed")
	}
	if _, present := fake.updateCalls[0].Fields["components"]; present {
		t.Error("update fields must not overwrite components set remotely")
	}
}

func TestPush_UpdateNeverResendsPriority(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, nil)
	entity := models.EntityFromFinding(finding)

	svc.Push(entity)
	svc.Push(entity)

	if _, present := fake.createCalls[0]["priority"]; !present {
		t.Error("create fields should carry priority")
	}
	if _, present := fake.updateCalls[0].Fields["priority"]; present {
		t.Error("update fields must not carry priority")
	}
}

func TestPush_AttachmentFailureIsSoft(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	svc.mediaRoot = t.TempDir()
	if err := os.WriteFile(filepath.Join(svc.mediaRoot, "evidence.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	finding := seedFinding(t, db, w, nil)
	mustCreate(t, db, &models.FindingAttachment{FindingID: finding.ID, FilePath: "evidence.png"})
	fake.attachErr = errors.New("attachment size limit exceeded")

	result := svc.PushWithResult(models.EntityFromFinding(finding))
	if !result.OK() {
		t.Fatalf("fatal failures = %v, want attachment failure kept soft", result.FatalFailures)
	}
	if result.Outcome() != PushSoftFailure {
		t.Errorf("outcome = %v, want PushSoftFailure", result.Outcome())
	}
	if s := svc.FindByEntity(models.EntityFromFinding(finding)); s == nil {
		t.Error("link should exist despite the attachment failure")
	}
}

func TestPush_CreateFailureIsFatal(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, nil)
	fake.createErr = errors.New("field 'customfield_401' cannot be set")

	result := svc.PushWithResult(models.EntityFromFinding(finding))
	if result.OK() {
		t.Fatal("create failure should be fatal")
	}
	var count int64
	db.Model(&models.JIRAIssue{}).Count(&count)
	if count != 0 {
		t.Errorf("links = %d, want none after a failed create", count)
	}
}

func TestPush_DuplicateInactiveRejected(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, func(f *models.Finding) {
		f.Active = false
		f.Duplicate = true
	})

	if svc.Push(models.EntityFromFinding(finding)) {
		t.Fatal("inactive duplicate should not be pushable")
	}
	if len(fake.createCalls) != 0 {
		t.Errorf("create calls = %d, want none", len(fake.createCalls))
	}
}

func TestPush_ReplaysNotesOnCreateOnly(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, nil)
	mustCreate(t, db, &models.Note{FindingID: finding.ID, Entry: "seen in prod", AuthorUsername: "alice"})
	mustCreate(t, db, &models.Note{FindingID: finding.ID, Entry: "internal only", AuthorUsername: "bob", Private: true})
	entity := models.EntityFromFinding(finding)

	svc.Push(entity)
	if len(fake.comments) != 1 || fake.comments[0] != "(alice): seen in prod" {
		t.Errorf("comments = %v, want only the public note replayed", fake.comments)
	}

	svc.Push(entity)
	if len(fake.comments) != 1 {
		t.Errorf("comments = %v, want no replay on the update path", fake.comments)
	}
}

func TestPush_EpicLinkOnGroupPush(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	db.Model(w.Project).Update("enable_engagement_epic_mapping", true)
	epic := svc.AddEpic(w.Engagement, "", "")
	if epic == nil || !*epic {
		t.Fatal("epic creation failed")
	}
	finding := seedFinding(t, db, w, nil)

	if !svc.Push(models.EntityFromFinding(finding)) {
		t.Fatal("push failed")
	}
	if len(fake.epicAdds) != 1 {
		t.Fatalf("epic adds = %v, want the new issue attached to the epic", fake.epicAdds)
	}
}

func TestPush_NextGenEpicFallback(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	db.Model(w.Project).Update("enable_engagement_epic_mapping", true)
	if epic := svc.AddEpic(w.Engagement, "", ""); epic == nil || !*epic {
		t.Fatal("epic creation failed")
	}
	fake.epicErr = errors.New("The request contains a next-gen issue.")
	finding := seedFinding(t, db, w, nil)

	result := svc.PushWithResult(models.EntityFromFinding(finding))
	if !result.OK() {
		t.Fatalf("fatal failures = %v, want next-gen fallback to succeed", result.FatalFailures)
	}
	var parentSet bool
	for _, call := range fake.updateCalls {
		if _, ok := call.Fields["parent"]; ok {
			parentSet = true
		}
	}
	if !parentSet {
		t.Error("fallback should set the parent field on the child issue")
	}
}
