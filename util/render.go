package util

import (
	"fmt"
	"regexp"
)

// RenderString fills "{{ key }}" placeholders in str with the given values.
// Unknown placeholders are left untouched so a missing value is visible in
// the rendered output instead of silently disappearing.
func RenderString(str string, data map[string]interface{}) string {
	for key, value := range data {
		re := regexp.MustCompile(`{{ ` + regexp.QuoteMeta(key) + ` }}`)
		str = re.ReplaceAllString(str, fmt.Sprintf("%v", value))
	}
	return str
}
