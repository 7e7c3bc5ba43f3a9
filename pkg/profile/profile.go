// Package profile turns free-form client descriptions into rule profiles.
package profile

import (
	"regexp"
	"strings"

	"promptlab/pkg/rules"
)

// Defaults applied when neither text nor flags name a field.
const (
	DefaultLifeStage = "单身青年"
	DefaultRiskLevel = "C3"
	DefaultNeed      = "增值"
)

type pattern struct {
	value string
	re    *regexp.Regexp
}

// Patterns are tried in order; the first match wins. More specific stages
// precede broader ones ("小孩学前" before "小孩").
var (
	stagePatterns = []pattern{
		{"刚毕业", regexp.MustCompile(`刚毕业|毕业生|应届`)},
		{"单身青年", regexp.MustCompile(`单身青年|单身|青年`)},
		{"二人世界", regexp.MustCompile(`二人世界|新婚|丁克`)},
		{"小孩学前", regexp.MustCompile(`小孩学前|学前|幼儿|学龄前`)},
		{"小孩成年前", regexp.MustCompile(`小孩成年前|小孩|孩子|未成年`)},
		{"子女成年", regexp.MustCompile(`子女成年|空巢|子女独立`)},
		{"退休", regexp.MustCompile(`退休`)},
	}
	riskPatterns = []pattern{
		{"C1", regexp.MustCompile(`(?i)C1|保守型|非常保守`)},
		{"C2", regexp.MustCompile(`(?i)C2|稳健型|稳健`)},
		{"C3", regexp.MustCompile(`(?i)C3|平衡型|平衡`)},
		{"C4", regexp.MustCompile(`(?i)C4|进取型|进取`)},
		{"C5", regexp.MustCompile(`(?i)C5|激进型|非常激进|激进`)},
	}
	needPatterns = []pattern{
		{"保值", regexp.MustCompile(`保值|保本|安全|稳定`)},
		{"增值", regexp.MustCompile(`增值|增长|成长`)},
		{"传承", regexp.MustCompile(`传承|遗产|财富传承`)},
	}
)

// Extract returns the fields named in text. Fields without a match are empty.
func Extract(text string) rules.Profile {
	return rules.Profile{
		LifeStage: firstMatch(stagePatterns, text),
		RiskLevel: firstMatch(riskPatterns, text),
		Need:      firstMatch(needPatterns, text),
	}
}

// Resolve merges defaults, then text, then explicit overrides.
func Resolve(text string, overrides rules.Profile) rules.Profile {
	p := rules.Profile{LifeStage: DefaultLifeStage, RiskLevel: DefaultRiskLevel, Need: DefaultNeed}
	p = merge(p, Extract(text))
	return merge(p, overrides)
}

func merge(base, over rules.Profile) rules.Profile {
	if v := strings.TrimSpace(over.LifeStage); v != "" {
		base.LifeStage = v
	}
	if v := strings.TrimSpace(over.RiskLevel); v != "" {
		base.RiskLevel = strings.ToUpper(v)
	}
	if v := strings.TrimSpace(over.Need); v != "" {
		base.Need = v
	}
	return base
}

func firstMatch(patterns []pattern, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return p.value
		}
	}
	return ""
}
