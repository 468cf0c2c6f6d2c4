package oracle

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type analysisPayload struct {
	IsFraudulent    *bool    `json:"isFraudulent"`
	Confidence      *float64 `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	RiskFactors     []string `json:"riskFactors"`
	Recommendations []string `json:"recommendations"`
}

// parseAnalysis decodes the structured reply. Both isFraudulent and
// confidence must be present.
func parseAnalysis(content string) (*domain.AIFraudAnalysis, error) {
	content = cleanMarkdownWrapper(content)

	var p analysisPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	if p.IsFraudulent == nil || p.Confidence == nil {
		return nil, fmt.Errorf("%w: isFraudulent and confidence are required", ErrMalformedResponse)
	}

	return &domain.AIFraudAnalysis{
		IsFraudulent:    *p.IsFraudulent,
		Confidence:      clampConfidence(*p.Confidence),
		Reasoning:       strings.TrimSpace(p.Reasoning),
		RiskFactors:     nonEmpty(p.RiskFactors),
		Recommendations: nonEmpty(p.Recommendations),
	}, nil
}

// cleanMarkdownWrapper strips ```json fences and any prose around the
// outermost JSON object.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```JSON")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}
	return content
}

var (
	confidenceLabelled = regexp.MustCompile(`(?i)confidence[^0-9\n]{0,20}(\d{1,3}(?:\.\d+)?)\s*(%|percent)?`)
	confidencePercent  = regexp.MustCompile(`(?i)(\d{1,3}(?:\.\d+)?)\s*(%|percent)`)
	bulletLine         = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
)

// negative phrases are removed before positive keywords are counted so
// "not fraudulent" does not count as "fraudulent".
var (
	negativeFraudPhrases = []string{"not fraudulent", "not fraud", "no fraud", "not suspicious", "legitimate", "low risk", "genuine"}
	positiveFraudPhrases = []string{"fraudulent", "high risk", "suspicious", "likely fraud", "fraud detected"}
)

var keywordFactors = []struct {
	keywords []string
	factor   string
}{
	{[]string{"velocity", "rapid succession", "many transactions"}, "High transaction velocity"},
	{[]string{"large amount", "high amount", "unusually large", "amount is high"}, "Unusually high amount"},
	{[]string{"new customer", "first transaction", "new account"}, "New customer"},
	{[]string{"unusual time", "late night", "odd hour"}, "Unusual transaction time"},
	{[]string{"location", "ip address", "geograph"}, "Location inconsistency"},
}

var keywordRecommendations = []struct {
	keywords []string
	rec      string
}{
	{[]string{"block"}, "Block the transaction"},
	{[]string{"manual review", "review"}, "Review the transaction manually"},
	{[]string{"verify", "verification"}, "Request additional verification"},
	{[]string{"monitor"}, "Monitor the customer account"},
}

// ParseFreeText extracts a best-effort opinion from a non-JSON reply. It
// never fails; the result is marked Degraded.
func ParseFreeText(content string) *domain.AIFraudAnalysis {
	lower := strings.ToLower(content)

	analysis := &domain.AIFraudAnalysis{
		IsFraudulent: detectFraudFlag(lower),
		Confidence:   extractConfidence(content),
		Degraded:     true,
	}

	factors, recs, prose := splitSections(content)
	if len(factors) == 0 {
		for _, kf := range keywordFactors {
			if containsAny(lower, kf.keywords) {
				factors = append(factors, kf.factor)
			}
		}
	}
	if len(recs) == 0 {
		for _, kr := range keywordRecommendations {
			if containsAny(lower, kr.keywords) {
				recs = append(recs, kr.rec)
			}
		}
	}
	if len(recs) == 0 {
		if analysis.IsFraudulent {
			recs = []string{"Review the transaction manually"}
		} else {
			recs = []string{"Proceed with standard processing"}
		}
	}

	analysis.RiskFactors = factors
	analysis.Recommendations = recs
	analysis.Reasoning = truncate(strings.Join(prose, " "), 500)
	return analysis
}

func detectFraudFlag(lower string) bool {
	negatives := 0
	for _, p := range negativeFraudPhrases {
		negatives += strings.Count(lower, p)
		lower = strings.ReplaceAll(lower, p, " ")
	}
	positives := 0
	for _, p := range positiveFraudPhrases {
		positives += strings.Count(lower, p)
	}
	return positives > negatives
}

func extractConfidence(content string) float64 {
	if m := confidenceLabelled.FindStringSubmatch(content); m != nil {
		if v, ok := toConfidence(m[1], m[2] != ""); ok {
			return v
		}
	}
	if m := confidencePercent.FindStringSubmatch(content); m != nil {
		if v, ok := toConfidence(m[1], true); ok {
			return v
		}
	}
	return 0.5
}

func toConfidence(num string, percent bool) (float64, bool) {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	if percent || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, false
	}
	return v, true
}

// splitSections sorts bullet lines under recommendation headings into
// recs and all other bullets into factors.
func splitSections(content string) (factors, recs, prose []string) {
	inRecs := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := bulletLine.FindStringSubmatch(trimmed); m != nil {
			item := strings.TrimSpace(strings.Trim(m[1], "*_ "))
			if item == "" {
				continue
			}
			if inRecs {
				recs = append(recs, item)
			} else {
				factors = append(factors, item)
			}
			continue
		}

		lower := strings.ToLower(trimmed)
		switch {
		case strings.Contains(lower, "recommend"):
			inRecs = true
		case strings.Contains(lower, "factor") || strings.Contains(lower, "indicator"):
			inRecs = false
		default:
			prose = append(prose, trimmed)
		}
	}
	return factors, recs, prose
}

func clampConfidence(c float64) float64 {
	switch {
	case c != c, c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
