package management

import (
	"encoding/json"

	"gopkg.in/yaml.v2"

	"github.com/secbeat/fleet/internal/waf"
)

func decodeRules(body []byte, format string, out *[]waf.Rule) error {
	if format == "yaml" {
		return yaml.Unmarshal(body, out)
	}
	return json.Unmarshal(body, out)
}
