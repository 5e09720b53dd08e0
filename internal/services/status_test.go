package services

import (
	"testing"
	"time"

	"github.com/huangang/vulnsync/internal/models"
)

func linkFinding(t *testing.T, svc *JiraService, w *world, finding *models.Finding) *models.JIRAIssue {
	t.Helper()
	link, err := svc.Link(models.EntityFromFinding(finding), w.Project,
		CreatedIssue{ID: "10001", Key: "TEST-1"}, time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return link
}

func TestPushStatus_ResolvedBeforeOpen(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	// Inactive but still verified: both vocabularies match a label, RESOLVED
	// must win.
	finding := seedFinding(t, db, w, func(f *models.Finding) {
		f.Active = false
		f.Verified = true
	})
	link := linkFinding(t, svc, w, finding)

	remote := &RemoteIssue{ID: "10001", Key: "TEST-1", Status: "Open"}
	if err := svc.PushStatus(models.EntityFromFinding(finding), fake, w.Instance, link, remote); err != nil {
		t.Fatal(err)
	}
	if len(fake.transitioned) != 1 || fake.transitioned[0] != "2" {
		t.Errorf("transitions = %v, want close transition id 2", fake.transitioned)
	}
}

func TestPushStatus_ReopensResolvedIssue(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, nil)
	link := linkFinding(t, svc, w, finding)

	remote := &RemoteIssue{ID: "10001", Key: "TEST-1", Status: "Done", Resolution: "Fixed"}
	if err := svc.PushStatus(models.EntityFromFinding(finding), fake, w.Instance, link, remote); err != nil {
		t.Fatal(err)
	}
	if len(fake.transitioned) != 1 || fake.transitioned[0] != "3" {
		t.Errorf("transitions = %v, want open transition id 3", fake.transitioned)
	}
}

func TestPushStatus_NoTransitionWhenInSync(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, nil)
	link := linkFinding(t, svc, w, finding)

	remote := &RemoteIssue{ID: "10001", Key: "TEST-1", Status: "Open"}
	if err := svc.PushStatus(models.EntityFromFinding(finding), fake, w.Instance, link, remote); err != nil {
		t.Fatal(err)
	}
	if len(fake.transitioned) != 0 {
		t.Errorf("transitions = %v, want none for an already open issue", fake.transitioned)
	}
}

func TestPushStatus_NamedTransitionFallback(t *testing.T) {
	svc, db, fake := newTestService(t)
	w := seedWorld(t, db)
	// The configured id does not exist on this issue; the named transition
	// must be used instead.
	fake.transitions = []Transition{{ID: "71", Name: "Resolve Issue"}}
	finding := seedFinding(t, db, w, func(f *models.Finding) { f.Active = false })
	link := linkFinding(t, svc, w, finding)

	remote := &RemoteIssue{ID: "10001", Key: "TEST-1", Status: "Open"}
	if err := svc.PushStatus(models.EntityFromFinding(finding), fake, w.Instance, link, remote); err != nil {
		t.Fatal(err)
	}
	if len(fake.transitioned) != 1 || fake.transitioned[0] != "71" {
		t.Errorf("transitions = %v, want fallback transition id 71", fake.transitioned)
	}
}

func TestProcessResolution_FalsePositiveReversesRiskAcceptance(t *testing.T) {
	svc, db, _ := newTestService(t)
	w := seedWorld(t, db)
	db.Model(w.Instance).Update("false_positive_resolutions", "Won't Do, Cannot Reproduce")
	db.First(w.Instance, w.Instance.ID)
	finding := seedFinding(t, db, w, func(f *models.Finding) {
		f.RiskAccepted = true
		f.Verified = true
	})
	link := linkFinding(t, svc, w, finding)

	changed, err := svc.ProcessResolution(finding, link, w.Instance, "4", "Won't Do", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a status change")
	}

	var stored models.Finding
	db.First(&stored, finding.ID)
	if !stored.FalseP || stored.Active || stored.Verified || stored.RiskAccepted {
		t.Errorf("finding = %+v, want false positive, inactive, unverified, risk acceptance reversed", stored)
	}
}

func TestProcessResolution_AcceptedResolutionRiskAccepts(t *testing.T) {
	svc, db, _ := newTestService(t)
	w := seedWorld(t, db)
	db.Model(w.Product).Update("enable_full_risk_acceptance", true)
	db.Model(w.Instance).Update("accepted_resolutions", "Won't Fix")
	db.First(w.Instance, w.Instance.ID)
	finding := seedFinding(t, db, w, nil)
	link := linkFinding(t, svc, w, finding)

	changed, err := svc.ProcessResolution(finding, link, w.Instance, "5", "Won't Fix", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a status change")
	}

	var stored models.Finding
	db.First(&stored, finding.ID)
	if !stored.RiskAccepted || stored.Active || stored.IsMitigated {
		t.Errorf("finding = %+v, want risk accepted and inactive", stored)
	}

	var acceptances []models.RiskAcceptance
	db.Find(&acceptances)
	if len(acceptances) != 1 || acceptances[0].AcceptedBy != "JIRA" {
		t.Errorf("acceptances = %+v, want one attributed to the sync actor", acceptances)
	}
}

func TestProcessResolution_DefaultMitigates(t *testing.T) {
	svc, db, _ := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, nil)
	mustCreate(t, db, &models.Endpoint{FindingID: finding.ID, Host: "app.example.com"})
	link := linkFinding(t, svc, w, finding)

	eventTime := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	changed, err := svc.ProcessResolution(finding, link, w.Instance, "1", "Fixed", eventTime)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a status change")
	}

	var stored models.Finding
	db.First(&stored, finding.ID)
	if stored.Active || !stored.IsMitigated || stored.MitigatedBy != "JIRA" {
		t.Errorf("finding = %+v, want mitigated by the sync actor", stored)
	}
	if stored.Mitigated == nil || !stored.Mitigated.Equal(eventTime) {
		t.Errorf("mitigated at %v, want event time %v", stored.Mitigated, eventTime)
	}

	var endpointCount int64
	db.Model(&models.Endpoint{}).Where("finding_id = ?", finding.ID).Count(&endpointCount)
	if endpointCount != 0 {
		t.Errorf("endpoint count = %d, want endpoints cleared", endpointCount)
	}
}

func TestProcessResolution_ReopenGatedForGroupedFindings(t *testing.T) {
	svc, db, _ := newTestService(t)
	w := seedWorld(t, db)
	group := &models.FindingGroup{Name: "grouped", TestID: w.Test.ID}
	mustCreate(t, db, group)
	grouped := seedFinding(t, db, w, func(f *models.Finding) {
		f.Active = false
		f.FindingGroupID = &group.ID
	})
	standalone := seedFinding(t, db, w, func(f *models.Finding) { f.Active = false })

	groupEntity := models.EntityFromGroup(group)
	groupLink, err := svc.Link(groupEntity, w.Project, CreatedIssue{ID: "10002", Key: "TEST-2"}, time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	standaloneLink := linkFinding(t, svc, w, standalone)

	// Grouped finding: reopen stays gated by default.
	changed, err := svc.ProcessResolution(grouped, groupLink, w.Instance, "", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("grouped finding must not reopen while the policy flag is off")
	}

	// Standalone finding always reopens.
	changed, err = svc.ProcessResolution(standalone, standaloneLink, w.Instance, "", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("standalone finding should reopen on an unresolved event")
	}
	var stored models.Finding
	db.First(&stored, standalone.ID)
	if !stored.Active {
		t.Error("standalone finding should be active after reopen")
	}

	// With the policy flag on, the grouped finding reopens too.
	NewSystemConfigService(db).Set("jira_webhook_allow_finding_group_reopen", "true")
	changed, err = svc.ProcessResolution(grouped, groupLink, w.Instance, "", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("grouped finding should reopen once the policy flag is set")
	}
}

func TestProcessResolution_AlwaysTouchesLink(t *testing.T) {
	svc, db, _ := newTestService(t)
	w := seedWorld(t, db)
	finding := seedFinding(t, db, w, nil)
	link := linkFinding(t, svc, w, finding)

	eventTime := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	// Active finding, unresolved event: nothing changes on the finding.
	changed, err := svc.ProcessResolution(finding, link, w.Instance, "", "", eventTime)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("active finding should not change on an unresolved event")
	}

	var stored models.JIRAIssue
	db.First(&stored, link.ID)
	if !stored.JiraChange.Equal(eventTime) {
		t.Errorf("link change = %v, want %v even without a status change", stored.JiraChange, eventTime)
	}
}
