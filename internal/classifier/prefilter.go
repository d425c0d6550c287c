package classifier

import (
	"regexp"
	"strings"

	"github.com/sells-group/toolscout/internal/model"
)

const (
	strongWeight   = 10
	weakWeight     = 3
	negativeWeight = 5
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

func pat(name, expr string) pattern {
	return pattern{name: name, re: regexp.MustCompile(expr)}
}

// Strong patterns name one tool unambiguously. "Outreach" on its own is an
// ordinary English word, so it only counts next to product or stack context.
var strongPatterns = map[model.ToolDetected][]pattern{
	model.ToolOutreach: {
		pat("outreach.io", `(?i)\boutreach\.io\b`),
		pat("outreach product", `(?i)\boutreach\s+(sequences?|cadences?|platform|software|triggers?|kaia|commit)\b`),
		pat("outreach skill", `(?i)\b(experience|proficien\w*|familiar\w*|expertise)\s+(with|in|using)\s+outreach\b`),
		pat("outreach stack", `(?i)\b(salesforce|hubspot|gong|zoominfo|sales navigator|apollo)\s*(,|/|\+|&|and)\s*outreach\b`),
		pat("stack outreach", `(?i)\boutreach\s*(,|/|\+|&|and)\s*(salesforce|hubspot|gong|zoominfo|sales navigator|apollo)\b`),
	},
	model.ToolSalesloft: {
		pat("salesloft", `(?i)\bsales\s?loft\b`),
		pat("salesloft product", `(?i)\bsalesloft\s+(cadences?|platform|rhythm|conversations)\b`),
	},
}

var weakPatterns = []pattern{
	pat("sales engagement", `(?i)\bsales\s+engagement\s+(platforms?|tools?|software)\b`),
	pat("cadence", `(?i)\bcadences?\b`),
	pat("sequence", `(?i)\bsequenc(e|es|ing)\b`),
	pat("sdr", `(?i)\b(sdr|bdr)s?\b`),
	pat("cold outbound", `(?i)\bcold\s+(calling|calls|emails?|emailing|outbound)\b`),
	pat("crm", `(?i)\bcrm\b`),
	pat("tech stack", `(?i)\bsales\s+(tech|technology)\s+stack\b`),
	pat("prospecting", `(?i)\bprospecting\b`),
}

var negativePatterns = []pattern{
	pat("or similar", `(?i)\b(or\s+similar|similar\s+tools?|or\s+equivalent)\b`),
	pat("nice to have", `(?i)\bnice\s+to\s+have\b`),
	pat("a plus", `(?i)\b(a\s+plus|is\s+preferred|bonus\s+points?)\b`),
	pat("community", `(?i)\bcommunity\s+outreach\b`),
	pat("outreach role", `(?i)\boutreach\s+(coordinator|specialist|manager|program|programs|events?)\b`),
	pat("such as", `(?i)\bsuch\s+as\b`),
}

// PreFilterResult is the rule-based verdict for one description.
type PreFilterResult struct {
	Tool       model.ToolDetected `json:"tool"`
	Confidence float64            `json:"confidence"`
	Positive   int                `json:"positive"`
	Negative   int                `json:"negative"`
	Signals    []string           `json:"signals,omitempty"`
	Keywords   []string           `json:"keywords,omitempty"`
}

// PreFilter scores text against the strong, weak and negative pattern sets.
// Every occurrence counts. A tool is flagged once its strong score reaches
// strongWeight.
func PreFilter(text string) PreFilterResult {
	var (
		res      PreFilterResult
		keywords = map[string]bool{}
		flags    model.ToolFlags
	)
	addKeywords := func(matches []string) {
		for _, m := range matches {
			k := strings.ToLower(strings.Join(strings.Fields(m), " "))
			if !keywords[k] {
				keywords[k] = true
				res.Keywords = append(res.Keywords, k)
			}
		}
	}

	for _, tool := range []model.ToolDetected{model.ToolOutreach, model.ToolSalesloft} {
		score := 0
		for _, p := range strongPatterns[tool] {
			matches := p.re.FindAllString(text, -1)
			if len(matches) == 0 {
				continue
			}
			score += strongWeight * len(matches)
			res.Signals = append(res.Signals, "strong:"+p.name)
			addKeywords(matches)
		}
		res.Positive += score
		if score >= strongWeight {
			flags = flags.Merge(model.FlagsFor(tool))
		}
	}

	for _, p := range weakPatterns {
		if matches := p.re.FindAllString(text, -1); len(matches) > 0 {
			res.Positive += weakWeight * len(matches)
			res.Signals = append(res.Signals, "weak:"+p.name)
			addKeywords(matches)
		}
	}
	for _, p := range negativePatterns {
		if matches := p.re.FindAllString(text, -1); len(matches) > 0 {
			res.Negative += negativeWeight * len(matches)
			res.Signals = append(res.Signals, "negative:"+p.name)
		}
	}

	score := res.Positive - res.Negative
	switch {
	case score < 0:
		score = 0
	case score > 100:
		score = 100
	}
	res.Confidence = float64(score) / 100
	res.Tool = flags.Detected()
	return res
}
