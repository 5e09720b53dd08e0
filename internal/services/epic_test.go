package services

import (
	"testing"

	"github.com/huangang/vulnsync/internal/models"
)

func enableEpicMapping(t *testing.T, svc *JiraService, w *world) {
	t.Helper()
	if err := svc.db.Model(w.Project).Update("enable_engagement_epic_mapping", true).Error; err != nil {
		t.Fatal(err)
	}
}

func TestPushEpic_NilWhenMappingDisabled(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)

	if got := svc.PushEpic(w.Engagement, "", ""); got != nil {
		t.Errorf("result = %v, want nil skip when epic mapping is off", *got)
	}
	if len(fake.createCalls) != 0 {
		t.Errorf("create calls = %d, want none", len(fake.createCalls))
	}
}

func TestAddEpic_CreatesAndLinks(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	enableEpicMapping(t, svc, w)

	got := svc.PushEpic(w.Engagement, "", "")
	if got == nil || !*got {
		t.Fatal("epic push should succeed")
	}

	fields := fake.createCalls[0]
	issuetype, _ := fields["issuetype"].(map[string]string)
	if issuetype["name"] != "Epic" {
		t.Errorf("issuetype = %v, want Epic", fields["issuetype"])
	}
	if fields["summary"] != w.Engagement.Name {
		t.Errorf("summary = %v, want the engagement name", fields["summary"])
	}
	if !svc.HasLink(models.EntityFromEngagement(w.Engagement)) {
		t.Error("engagement should be linked to the new epic")
	}
}

func TestAddEpic_EpicNameFieldGatedByMetadata(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	enableEpicMapping(t, svc, w)
	db.Model(w.Instance).Update("epic_name_id", 10011)

	// Field configured but not present on the issue type: omitted.
	if got := svc.PushEpic(w.Engagement, "", ""); got == nil || !*got {
		t.Fatal("epic push should succeed")
	}
	if _, present := fake.createCalls[0]["customfield_10011"]; present {
		t.Error("epic-name field must be omitted when the issue type lacks it")
	}

	// Field present in the create metadata: set to the epic name.
	svc.Unlink(models.EntityFromEngagement(w.Engagement))
	fake.allowedFields["customfield_10011"] = true
	if got := svc.PushEpic(w.Engagement, "Q3 Epic", ""); got == nil || !*got {
		t.Fatal("epic push should succeed")
	}
	if fake.createCalls[1]["customfield_10011"] != "Q3 Epic" {
		t.Errorf("epic name field = %v, want Q3 Epic", fake.createCalls[1]["customfield_10011"])
	}
}

func TestPushEpic_SecondPushUpdates(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	enableEpicMapping(t, svc, w)

	svc.PushEpic(w.Engagement, "", "")
	got := svc.PushEpic(w.Engagement, "Renamed Engagement", "Highest")
	if got == nil || !*got {
		t.Fatal("epic update should succeed")
	}
	if len(fake.createCalls) != 1 || len(fake.updateCalls) != 1 {
		t.Fatalf("create/update calls = %d/%d, want 1/1", len(fake.createCalls), len(fake.updateCalls))
	}
	fields := fake.updateCalls[0].Fields
	if fields["summary"] != "Renamed Engagement" {
		t.Errorf("summary = %v, want the override", fields["summary"])
	}
	priority, _ := fields["priority"].(map[string]string)
	if priority["name"] != "Highest" {
		t.Errorf("priority = %v, want the override", fields["priority"])
	}
}

func TestCloseEpic(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	enableEpicMapping(t, svc, w)

	// No push requested: skipped.
	if got := svc.CloseEpic(w.Engagement, false); got != nil {
		t.Errorf("result = %v, want nil when no push requested", *got)
	}
	// No epic yet: skipped.
	if got := svc.CloseEpic(w.Engagement, true); got != nil {
		t.Errorf("result = %v, want nil without an epic", *got)
	}

	svc.PushEpic(w.Engagement, "", "")
	got := svc.CloseEpic(w.Engagement, true)
	if got == nil || !*got {
		t.Fatal("closing an existing epic should succeed")
	}
	if len(fake.transitioned) != 1 || fake.transitioned[0] != "2" {
		t.Errorf("transitions = %v, want the configured close transition", fake.transitioned)
	}
}
