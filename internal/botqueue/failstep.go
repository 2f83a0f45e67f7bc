package botqueue

import (
	"regexp"
	"strings"
)

type stepPattern struct {
	re   *regexp.Regexp
	step string
}

var reAtStage = regexp.MustCompile(`(?i)at stage:\s*(.+?)\s*$`)

// stepPatterns map error wording onto workflow stages. Deletion is checked
// before the generic dns match.
var stepPatterns = []stepPattern{
	{regexp.MustCompile(`(?i)custom[- ]?values?`), StageCustomValues},
	{regexp.MustCompile(`(?i)dns.*\b(delet|remov)|\b(delet|remov)\w*.*dns`), StageDNSDelete},
	{regexp.MustCompile(`(?i)\bdns\b|cname|a record`), StageDNSUpsert},
	{regexp.MustCompile(`(?i)header`), StageLoadHeaders},
	{regexp.MustCompile(`(?i)bridge|extension`), StageBridgeCheck},
	{regexp.MustCompile(`(?i)mark(ed)?[- ]?complete`), StageMarkComplete},
	{regexp.MustCompile(`(?i)verif`), StageVerify},
}

var reAction = regexp.MustCompile(`(?i)^\s*(click|open|paste|fill|type|wait|navigat|submit|select|press|upload|load|apply|upsert|sav|set|run|delet|verif|check)\w*\b`)

// inferFailedStep names the step an item failed at. The error text wins;
// otherwise the last action-like log line; otherwise the stage the error
// was raised in.
func inferFailedStep(errText string, logs []string, stage string) string {
	if m := reAtStage.FindStringSubmatch(errText); m != nil {
		return m[1]
	}
	for _, p := range stepPatterns {
		if p.re.MatchString(errText) {
			return p.step
		}
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(logs[i]); reAction.MatchString(line) {
			return line
		}
	}
	return stage
}
