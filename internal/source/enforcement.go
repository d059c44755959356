package source

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/apex/log"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/normalize"
)

// Patterns shared by regulator enforcement documents.
var (
	reMatterOf    = regexp.MustCompile(`(?i)in the matter of[\s:]+([A-Z0-9][^\n]{2,120}?)\s*(?:\n|\(|docket|respondent|consent order|order to|$)`)
	reInstitution = regexp.MustCompile(`(?i)(?:against|involving|regarding)\s+([A-Z][A-Za-z\s&.,]+?)(?:\s+Bank|\s+National|\s+Federal|\s+State|\.|$)`)
	rePenalty     = regexp.MustCompile(`(?i)(?:civil\s+)?(?:money|monetary)\s+penalty\s+(?:of\s*)?\$?\d[\d,]*(?:\.\d{2})?(?:\s*(?:million|billion|thousand)\b)?`)
	reDocket      = regexp.MustCompile(`(?i)(?:docket|case)\s+(?:number|no\.?)?\s*:?\s*([A-Z]*-?\d[A-Z0-9\-]*)`)
	reState       = regexp.MustCompile(`(?:of|in)\s+([A-Z]{2})\s+(?:Bank|National|Federal)`)
	reStateLine   = regexp.MustCompile(`(?m)^\s*[A-Z][A-Za-z .]+,\s+([A-Z]{2})\s*$`)
	reEffective   = regexp.MustCompile(`(?i)(?:effective|issued|dated)(?:\s+date)?(?:\s+on)?:?\s+([A-Za-z]+\.?\s+\d{1,2},?\s+\d{4})`)
	reActionType  = regexp.MustCompile(`(?i)consent\s+order|order\s+to\s+cease\s+and\s+desist|cease\s+and\s+desist|civil\s+money\s+penalty|formal\s+agreement|written\s+agreement|prompt\s+corrective\s+action|order\s+of\s+prohibition|removal\s+order`)
)

var subjectPatterns = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`(?i)\b(?:BSA|Bank Secrecy Act|AML|Anti-Money Laundering)\b`), "BSA/AML"},
	{regexp.MustCompile(`(?i)\b(?:Fair Lending|Equal Credit Opportunity)\b`), "Fair Lending"},
	{regexp.MustCompile(`(?i)\b(?:Community Reinvestment Act|CRA)\b`), "CRA"},
	{regexp.MustCompile(`(?i)\b(?:Truth in Lending|TILA)\b`), "TILA"},
	{regexp.MustCompile(`(?i)\b(?:Real Estate Settlement Procedures|RESPA)\b`), "RESPA"},
	{regexp.MustCompile(`(?i)\b(?:flood insurance|Flood Disaster Protection)\b`), "Flood Insurance"},
	{regexp.MustCompile(`(?i)\b(?:unsafe or unsound|unsafe and unsound)\b`), "Unsafe or Unsound Practices"},
}

// documentFields are the values read from an enforcement document.
type documentFields struct {
	Institution string
	State       string
	Docket      string
	Date        model.Date
	ActionType  string
	Subjects    []string
	Money       normalize.Money
}

func extractDocumentFields(text string) documentFields {
	var f documentFields
	if m := reMatterOf.FindStringSubmatch(text); m != nil {
		f.Institution = cleanText(strings.TrimRight(m[1], " ,;:"))
	} else if m := reInstitution.FindStringSubmatch(text); m != nil {
		f.Institution = cleanText(strings.TrimRight(m[1], " ,"))
	}
	if m := rePenalty.FindString(text); m != "" {
		f.Money = normalize.ExtractAmounts(m)
	}
	if m := reDocket.FindStringSubmatch(text); m != nil {
		f.Docket = strings.ToUpper(m[1])
	}
	if m := reState.FindStringSubmatch(text); m != nil {
		f.State = m[1]
	} else if m := reStateLine.FindStringSubmatch(text); m != nil {
		f.State = m[1]
	}
	if m := reEffective.FindStringSubmatch(text); m != nil {
		if d, err := parseDateFlexible(m[1]); err == nil {
			f.Date = d
		}
	}
	if m := reActionType.FindString(text); m != "" {
		f.ActionType = titleCase(cleanText(m))
	}
	f.Subjects = subjects(text)
	return f
}

func subjects(text string) []string {
	var out []string
	for _, p := range subjectPatterns {
		if p.re.MatchString(text) {
			out = append(out, p.label)
		}
	}
	return out
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if w == "to" || w == "and" || w == "of" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// fetchDocument downloads and reads the first PDF linked from page. A failure
// leaves the document empty; the page alone still describes the action.
func fetchDocument(ctx context.Context, s *Session, pageURL string, doc *goquery.Document) (string, string) {
	href, ok := doc.Find(`a[href*=".pdf"]`).First().Attr("href")
	if !ok {
		return "", ""
	}
	docURL := absURL(pageURL, href)
	resp, err := s.Client.Get(ctx, docURL, nil, nil)
	if err != nil {
		s.Log.WithError(err).WithField("url", docURL).Warn("document download failed")
		return docURL, ""
	}
	text, err := pdfText(resp.Body)
	if err != nil {
		s.Log.WithError(err).WithField("url", docURL).Warn("document unreadable")
		return docURL, ""
	}
	return docURL, text
}

// enforcementSummary renders the one-line description of an enforcement action.
func enforcementSummary(regulator, institution, actionType string, subjects []string, penalty int64, state string) string {
	var parts []string
	if institution != "" {
		parts = append(parts, regulator+" enforcement action against "+institution)
	} else {
		parts = append(parts, regulator+" enforcement action")
	}
	if actionType != "" {
		parts = append(parts, "("+actionType+")")
	}
	if len(subjects) > 0 {
		parts = append(parts, "regarding "+strings.Join(subjects, ", "))
	}
	if penalty > 0 {
		parts = append(parts, "with penalty of "+formatUSD(penalty))
	}
	if state != "" {
		parts = append(parts, "in "+state)
	}
	return normalize.Summary(strings.Join(parts, " "))
}

// enforcementEvent builds the canonical record shared by regulator connectors.
func enforcementEvent(source, regulator string, p ParsedItem) (model.Event, error) {
	if p.EventDate.IsZero() {
		return model.Event{}, &ParseError{Source: source, ItemID: p.ExternalID, Msg: "no event date"}
	}
	if p.ExternalID == "" {
		return model.Event{}, &ParseError{Source: source, ItemID: p.URL, Msg: "no external id"}
	}
	penalty := p.Money.TotalUSD
	action := strings.ToLower(p.ActionType)

	var cats []string
	if strings.Contains(action, "consent") || strings.Contains(action, "cease") || strings.Contains(action, "desist") ||
		strings.Contains(action, "agreement") {
		cats = append(cats, model.CategoryRegulatoryAction)
	}
	if penalty > 0 {
		cats = append(cats, model.CategoryFine)
	}
	nature := normalize.MapNature(p.ActionType + " " + strings.Join(p.Subjects, " "))
	for _, subj := range p.Subjects {
		switch subj {
		case "BSA/AML":
			cats = append(cats, model.CategorySanctionsAML)
			nature = append(nature, model.NatureComplianceFailure)
		case "Fair Lending":
			cats = append(cats, model.CategoryDiscrimination)
			nature = append(nature, model.NatureFairness)
		case "TILA", "RESPA":
			nature = append(nature, model.NatureProductControversy)
		}
	}
	if len(cats) == 0 {
		cats = append(cats, model.CategoryRegulatoryAction)
	}
	nature = normalize.CanonicalNature(nature)
	if len(nature) == 1 && nature[0] == model.NatureOther {
		nature = []string{model.NatureComplianceFailure}
	}

	jur := []string{"USA"}
	if p.State != "" {
		jur = append(jur, p.State)
	}
	confidence := model.ConfidenceMedium
	if p.HasDocument {
		confidence = model.ConfidenceHigh
	}
	title := p.Title
	if title == "" {
		title = regulator + " Enforcement Action"
	}
	published := p.PublishedDate
	if published.IsZero() {
		published = p.EventDate
	}
	ev := model.Event{
		EventID:       model.NewEventID(source, p.ExternalID, p.EventDate),
		Title:         title,
		Institutions:  model.Uniq(p.Institutions),
		USOperations:  true,
		Jurisdictions: jur,
		Categories:    model.Uniq(cats),
		EventDate:     p.EventDate,
		ReportedDates: []model.Date{published},
		Summary:       enforcementSummary(regulator, strings.Join(p.Institutions, "; "), p.ActionType, p.Subjects, penalty, p.State),
		ReputationalDamage: model.ReputationalDamage{
			Nature: nature,
			Drivers: model.Drivers{
				FineUSD:           penalty,
				LitigationStatus:  model.LitigationNone,
				RegulatorInvolved: []string{regulator},
			},
		},
		Amounts: model.Amounts{PenaltiesUSD: penalty, OriginalText: p.Money.OriginalText},
		Sources: []model.SourceRef{{
			Title:         title,
			Publisher:     regulator,
			URL:           p.URL,
			DatePublished: published,
			SourceType:    model.SourceRegulator,
		}},
		SourceCount: 1,
		Confidence:  confidence,
	}
	if ev.Institutions == nil {
		ev.Institutions = []string{}
	}
	normalize.ScoreEvent(&ev)
	log.WithFields(log.Fields{"connector": source, "event_id": ev.EventID, "score": ev.ReputationalDamage.MaterialityScore}).Debug("event normalized")
	return ev, nil
}
