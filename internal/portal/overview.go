package portal

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	limitDivIDPrefix = "usageLimitDivconsumerUsageLimit"
	limitFormClass   = "consumerDataLimitForm"
	limitFormPrefix  = "consumerUsageLimit"
)

var firstNumberRe = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

// LooksLikeLoginPage reports whether a response body is the portal's login
// page rather than authenticated content.
func LooksLikeLoginPage(html string) bool {
	low := strings.ToLower(html)
	return strings.Contains(low, "login_password") ||
		(strings.Contains(low, "login_check") && strings.Contains(low, "csrf"))
}

// CSRFFromLoginPage extracts the hidden session token from the login page,
// or returns "" if the named input is absent.
func CSRFFromLoginPage(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	val, _ := doc.Find(`input[name="_csrf_token"]`).First().Attr("value")
	return val
}

// parseFloatFromText scans a text fragment for its first number. Best effort;
// nil when no number is present.
func parseFloatFromText(s string) *float64 {
	m := firstNumberRe.FindString(strings.TrimSpace(s))
	if m == "" {
		return nil
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return nil
	}
	return &f
}

// ParseLimits extracts the per-line usage cap from the overview page for
// every known line. A line missing from the page, or a panel without a
// readable cap, yields a nil entry; the map always covers all lines.
func ParseLimits(html string, lines []string) map[string]*float64 {
	out := make(map[string]*float64, len(lines))
	for _, l := range lines {
		out[l] = nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return out
	}

	for _, line := range lines {
		panel, err := linePanel(doc, line)
		if err != nil {
			continue
		}
		div := panel.Find(`div[id^="` + limitDivIDPrefix + `"]`).First()
		if div.Length() == 0 {
			continue
		}
		out[line] = parseFloatFromText(div.Text())
	}

	return out
}

// linePanel locates the overview panel enclosing a line's service marker.
// Failures here are structural: the page shape changed or the line is not on
// the shared plan.
func linePanel(doc *goquery.Document, line string) (*goquery.Selection, error) {
	marker := doc.Find(fmt.Sprintf(`div[data-service_number=%q]`, line)).First()
	if marker.Length() == 0 {
		return nil, fmt.Errorf("line %s not found on overview page", line)
	}
	panel := marker.ParentsFiltered("div.panel").First()
	if panel.Length() == 0 {
		return nil, fmt.Errorf("panel not found for line %s", line)
	}
	return panel, nil
}

// PanelText returns a line's panel text, whitespace-collapsed and lowercased,
// for the pending-state check during update polling.
func PanelText(html, line string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse overview page: %w", err)
	}
	panel, err := linePanel(doc, line)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.Join(strings.Fields(panel.Text()), " ")), nil
}

// UpdateForm describes a line's located cap-update form: where to POST, the
// suffix-derived field names and the one-time token the portal requires.
type UpdateForm struct {
	Action     string // absolute POST URL
	Suffix     string // numeric suffix from the generated form id
	TokenName  string
	TokenValue string
}

// LimitField is the form field carrying the new cap value.
func (f *UpdateForm) LimitField() string {
	return limitFormPrefix + f.Suffix + "[usageLimit]"
}

// SubmitField is the form's submit control name.
func (f *UpdateForm) SubmitField() string {
	return limitFormPrefix + f.Suffix + "[submit]"
}

// LocateUpdateForm finds the cap-update form inside a line's panel on the
// overview page, extracting its generated id suffix and per-form CSRF token.
// The form action is resolved against the overview URL.
func LocateUpdateForm(html, line, overviewURL string) (*UpdateForm, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse overview page: %w", err)
	}

	panel, err := linePanel(doc, line)
	if err != nil {
		return nil, err
	}

	form := panel.Find("form." + limitFormClass).First()
	if form.Length() == 0 {
		return nil, fmt.Errorf("usage limit form not found for line %s", line)
	}

	formID, _ := form.Attr("id")
	if !strings.HasPrefix(formID, limitFormPrefix) {
		return nil, fmt.Errorf("unexpected form id: %q", formID)
	}
	suffix := strings.TrimPrefix(formID, limitFormPrefix)

	tokenName := limitFormPrefix + suffix + "[_token]"
	tokenValue, ok := form.Find(fmt.Sprintf(`input[name=%q]`, tokenName)).First().Attr("value")
	if !ok || tokenValue == "" {
		return nil, fmt.Errorf("per-form CSRF token missing for line %s", line)
	}

	action, _ := form.Attr("action")
	postURL := overviewURL
	if action != "" {
		base, err := url.Parse(overviewURL)
		if err == nil {
			if ref, err := url.Parse(action); err == nil {
				postURL = base.ResolveReference(ref).String()
			}
		}
	}

	return &UpdateForm{
		Action:     postURL,
		Suffix:     suffix,
		TokenName:  tokenName,
		TokenValue: tokenValue,
	}, nil
}
