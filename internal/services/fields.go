package services

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/pkg/logger"
	"github.com/rickar/cal/v2"
)

const (
	findingTemplateFile = "jira-description.tmpl"
	groupTemplateFile   = "jira-group-description.tmpl"
	jiraDateLayout      = "2006-01-02"
)

// Built-in issue description templates, JIRA wiki markup. A template dir on
// the project or instance config overrides these per deployment.
const defaultFindingTemplate = `h2. Finding: {{.Title}}

*Severity:* {{.Severity}}
*Status:* {{.Status}}
{{- if .Date}}
*Date discovered:* {{.Date}}
{{- end}}
{{- if .Reporter}}
*Reporter:* {{.Reporter}}
{{- end}}
{{- if .VulnerabilityIDs}}
*Vulnerability Ids:* {{join .VulnerabilityIDs ", "}}
{{- end}}

h3. Description
{{.Description}}
{{- if .Mitigation}}

h3. Mitigation
{{.Mitigation}}
{{- end}}
{{- if .Impact}}

h3. Impact
{{.Impact}}
{{- end}}
{{- if .Endpoints}}

h3. Systems / Endpoints
{{range .Endpoints}}* {{.}}
{{end}}
{{- end}}
{{- if .FindingText}}

{{.FindingText}}
{{- end}}`

const defaultGroupTemplate = `h2. Finding group: {{.Name}}

A group of {{len .Findings}} findings.
{{range .Findings}}
h3. {{.Title}} ({{.Severity}})
*Status:* {{.Status}}
{{.Description}}
{{end}}
{{- if .FindingText}}
{{.FindingText}}
{{- end}}`

// JiraSummary derives the issue summary: the title with line breaks stripped,
// truncated to JIRA's 255 character summary limit.
func JiraSummary(title string) string {
	s := strings.ReplaceAll(title, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	// The limit is 255 characters, not bytes. A byte slice could cut a
	// multi-byte rune in half.
	if runes := []rune(s); len(runes) > 255 {
		s = string(runes[:255])
	}
	return s
}

type findingTemplateData struct {
	Title            string
	Severity         string
	Status           string
	Date             string
	Reporter         string
	Description      string
	Mitigation       string
	Impact           string
	Endpoints        []string
	VulnerabilityIDs []string
	FindingText      string
}

type groupTemplateData struct {
	Name        string
	Findings    []findingTemplateData
	FindingText string
}

// Description renders the issue description for an entity through the
// configured template. Template dir precedence is project config, then
// instance, then the built-in default.
func (s *JiraService) Description(entity models.TrackedEntity, project *models.JIRAProject, instance *models.JIRAInstance) (string, error) {
	name := findingTemplateFile
	if entity.Kind == models.KindFindingGroup {
		name = groupTemplateFile
	}

	tmpl, err := s.loadTemplate(name, project, instance)
	if err != nil {
		return "", &MetadataError{ProjectKey: project.ProjectKey, IssueType: instance.DefaultIssueType, Err: err}
	}

	var data interface{}
	switch entity.Kind {
	case models.KindFinding:
		data = s.findingData(entity.Finding, instance.FindingText)
	case models.KindStubFinding:
		stub := entity.Stub
		data = findingTemplateData{
			Title:       stub.Title,
			Severity:    stub.Severity,
			Status:      "Active",
			Date:        stub.Date.Format(jiraDateLayout),
			Description: stub.Description,
			FindingText: instance.FindingText,
		}
	case models.KindFindingGroup:
		group := entity.Group
		s.loadGroupFindings(group)
		gd := groupTemplateData{Name: group.Name, FindingText: instance.FindingText}
		for i := range group.Findings {
			gd.Findings = append(gd.Findings, s.findingData(&group.Findings[i], ""))
		}
		data = gd
	default:
		return "", &ConfigurationError{Reason: "no description template for " + entity.Describe()}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", &MetadataError{ProjectKey: project.ProjectKey, IssueType: instance.DefaultIssueType, Err: err}
	}
	return buf.String(), nil
}

func (s *JiraService) findingData(f *models.Finding, findingText string) findingTemplateData {
	data := findingTemplateData{
		Title:       f.Title,
		Severity:    f.Severity,
		Status:      strings.Join(f.StatusList(), ", "),
		Reporter:    f.Reporter,
		Description: f.Description,
		Mitigation:  f.Mitigation,
		Impact:      f.Impact,
		Endpoints:   s.endpointStrings(f),
		FindingText: findingText,
	}
	if !f.Date.IsZero() {
		data.Date = f.Date.Format(jiraDateLayout)
	}
	for _, v := range s.vulnerabilityIDs(f) {
		data.VulnerabilityIDs = append(data.VulnerabilityIDs, v)
	}
	return data
}

func (s *JiraService) loadTemplate(name string, project *models.JIRAProject, instance *models.JIRAInstance) (*template.Template, error) {
	funcs := template.FuncMap{"join": strings.Join}

	dir := project.IssueTemplateDir
	if dir == "" {
		dir = instance.IssueTemplateDir
	}
	if dir != "" {
		tmpl, err := template.New(name).Funcs(funcs).ParseFiles(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		return tmpl, nil
	}

	body := defaultFindingTemplate
	if name == groupTemplateFile {
		body = defaultGroupTemplate
	}
	return template.New(name).Funcs(funcs).Parse(body)
}

// Labels derives the issue label set: global labels, project labels, the
// product name token (spaces to underscores) when not already present,
// vulnerability ids when the id-as-label flag is on globally or on the
// project, then the entity's tags (spaces to dashes). Ordered, first
// occurrence wins.
func (s *JiraService) Labels(entity models.TrackedEntity, project *models.JIRAProject) []string {
	var raw []string
	raw = append(raw, strings.Fields(s.settings.JiraLabels())...)
	raw = append(raw, project.LabelList()...)

	if product := s.productOf(entity); product != nil {
		raw = append(raw, strings.ReplaceAll(product.Name, " ", "_"))
	}

	if s.settings.AddVulnerabilityIDToLabel() || project.AddVulnerabilityIDToLabel {
		raw = append(raw, s.entityVulnerabilityIDs(entity)...)
	}

	raw = append(raw, entityTags(entity)...)

	seen := make(map[string]bool, len(raw))
	var labels []string
	for _, label := range raw {
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels
}

// entityTags returns the entity's tags with spaces replaced by dashes; a
// group contributes the union of its members' tags.
func entityTags(entity models.TrackedEntity) []string {
	var tags []string
	switch entity.Kind {
	case models.KindFinding:
		tags = entity.Finding.TagList()
	case models.KindFindingGroup:
		seen := make(map[string]bool)
		for i := range entity.Group.Findings {
			for _, t := range entity.Group.Findings[i].TagList() {
				if !seen[t] {
					seen[t] = true
					tags = append(tags, t)
				}
			}
		}
	}
	for i, t := range tags {
		tags[i] = strings.ReplaceAll(t, " ", "-")
	}
	return tags
}

// Environment renders the affected endpoints one per line. For a group the
// non-empty member environments are joined, each distinct one once.
func (s *JiraService) Environment(entity models.TrackedEntity) string {
	switch entity.Kind {
	case models.KindFinding:
		return strings.Join(s.endpointStrings(entity.Finding), "\n")
	case models.KindFindingGroup:
		group := entity.Group
		if len(group.Findings) == 0 {
			s.db.Where("finding_group_id = ?", group.ID).Find(&group.Findings)
		}
		seen := make(map[string]bool)
		var envs []string
		for i := range group.Findings {
			env := strings.Join(s.endpointStrings(&group.Findings[i]), "\n")
			if env == "" || seen[env] {
				continue
			}
			seen[env] = true
			envs = append(envs, env)
		}
		return strings.Join(envs, "\n")
	}
	return ""
}

func (s *JiraService) endpointStrings(f *models.Finding) []string {
	if len(f.Endpoints) == 0 {
		s.db.Where("finding_id = ?", f.ID).Find(&f.Endpoints)
	}
	var out []string
	for i := range f.Endpoints {
		out = append(out, f.Endpoints[i].String())
	}
	return out
}

func (s *JiraService) vulnerabilityIDs(f *models.Finding) []string {
	if len(f.VulnerabilityIDs) == 0 {
		s.db.Where("finding_id = ?", f.ID).Find(&f.VulnerabilityIDs)
	}
	var out []string
	for i := range f.VulnerabilityIDs {
		out = append(out, f.VulnerabilityIDs[i].Vulnerability)
	}
	return out
}

func (s *JiraService) entityVulnerabilityIDs(entity models.TrackedEntity) []string {
	switch entity.Kind {
	case models.KindFinding:
		return s.vulnerabilityIDs(entity.Finding)
	case models.KindFindingGroup:
		var out []string
		for i := range entity.Group.Findings {
			out = append(out, s.vulnerabilityIDs(&entity.Group.Findings[i])...)
		}
		return out
	}
	return nil
}

func (s *JiraService) loadGroupFindings(group *models.FindingGroup) {
	if len(group.Findings) == 0 {
		s.db.Where("finding_group_id = ?", group.ID).Find(&group.Findings)
	}
}

// productOf walks test -> engagement -> product for finding-level kinds,
// engagement -> product for engagements. Nil when the chain is broken.
func (s *JiraService) productOf(entity models.TrackedEntity) *models.Product {
	var engagementID uint
	if entity.Kind == models.KindEngagement {
		engagementID = entity.Engagement.ID
	} else {
		testID := entity.TestID()
		if testID == 0 {
			return nil
		}
		var test models.Test
		if err := s.db.First(&test, testID).Error; err != nil {
			return nil
		}
		engagementID = test.EngagementID
	}

	var engagement models.Engagement
	if err := s.db.First(&engagement, engagementID).Error; err != nil {
		return nil
	}
	var product models.Product
	if err := s.db.First(&product, engagement.ProductID).Error; err != nil {
		return nil
	}
	return &product
}

// engagementOf returns the owning engagement of any entity kind.
func (s *JiraService) engagementOf(entity models.TrackedEntity) *models.Engagement {
	if entity.Kind == models.KindEngagement {
		return entity.Engagement
	}
	testID := entity.TestID()
	if testID == 0 {
		return nil
	}
	var test models.Test
	if err := s.db.First(&test, testID).Error; err != nil {
		return nil
	}
	var engagement models.Engagement
	if err := s.db.First(&engagement, test.EngagementID).Error; err != nil {
		return nil
	}
	return &engagement
}

// SLADueDate computes the remediation deadline for a finding: the discovery
// date plus the per-severity SLA window. Zero time when the SLA does not
// apply (disabled globally, disabled on the product, or Info severity).
func (s *JiraService) SLADueDate(entity models.TrackedEntity) time.Time {
	if entity.Kind != models.KindFinding || !s.settings.FindingSLAEnabled() {
		return time.Time{}
	}
	if product := s.productOf(entity); product != nil && !product.SLAEnabled {
		return time.Time{}
	}

	finding := entity.Finding
	days := s.settings.SLADays(finding.Severity)
	if days <= 0 {
		return time.Time{}
	}

	start := finding.Date
	if start.IsZero() {
		start = finding.CreatedAt
	}
	if start.IsZero() {
		start = time.Now()
	}

	if !s.settings.SLABusinessDays() {
		return start.AddDate(0, 0, days)
	}
	return addBusinessDays(start, days)
}

// addBusinessDays walks forward skipping weekends and holidays.
func addBusinessDays(start time.Time, days int) time.Time {
	c := cal.NewBusinessCalendar()
	due := start
	for remaining := days; remaining > 0; {
		due = due.AddDate(0, 0, 1)
		if c.IsWorkday(due) {
			remaining--
		}
	}
	return due
}

// PrepareIssueFields assembles the JIRA field payload for a create or
// update. Labels, environment, priority and duedate are only included when
// the issue type's allowed-field set carries them; component, assignee and
// configured custom fields go through unconditionally. Priority is omitted
// on updates so a manually triaged remote priority is never overwritten.
func (s *JiraService) PrepareIssueFields(entity models.TrackedEntity, project *models.JIRAProject, instance *models.JIRAInstance, allowed map[string]bool, forUpdate bool) (FieldMap, error) {
	description, err := s.Description(entity, project, instance)
	if err != nil {
		return nil, err
	}

	fields := FieldMap{
		"project":     map[string]string{"key": project.ProjectKey},
		"issuetype":   map[string]string{"name": instance.DefaultIssueType},
		"summary":     JiraSummary(entityTitle(entity)),
		"description": description,
	}

	if project.Component != "" {
		fields["components"] = []map[string]string{{"name": project.Component}}
	}

	if project.CustomFields != "" {
		var custom map[string]interface{}
		if err := json.Unmarshal([]byte(project.CustomFields), &custom); err != nil {
			logger.Warnf("[Jira] ignoring malformed custom fields on project %s: %v", project.ProjectKey, err)
		} else {
			for k, v := range custom {
				fields[k] = v
			}
		}
	}

	if allowed["labels"] {
		if labels := s.Labels(entity, project); len(labels) > 0 {
			fields["labels"] = labels
		}
	}

	if allowed["environment"] {
		if env := s.Environment(entity); env != "" {
			fields["environment"] = env
		}
	}

	if !forUpdate && allowed["priority"] {
		fields["priority"] = map[string]string{"name": instance.Priority(entity.Severity())}
	}

	if allowed["duedate"] {
		if due := s.SLADueDate(entity); !due.IsZero() {
			fields["duedate"] = due.Format(jiraDateLayout)
		}
	}

	return fields, nil
}

func entityTitle(entity models.TrackedEntity) string {
	switch entity.Kind {
	case models.KindFinding:
		return entity.Finding.Title
	case models.KindStubFinding:
		return entity.Stub.Title
	case models.KindFindingGroup:
		return entity.Group.Name
	case models.KindEngagement:
		return entity.Engagement.Name
	}
	return ""
}
