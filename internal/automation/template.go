package automation

import (
	"strings"

	"meshmonitor/internal/domain"
)

// RenderTemplate fills the node placeholders used by auto-ack and welcome
// texts. Unknown placeholders pass through untouched.
func RenderTemplate(tmpl string, node domain.Node) string {
	from := node.LongName
	if from == "" {
		from = node.NodeID
	}
	short := node.ShortName
	if short == "" {
		short = node.NodeID
	}
	replacer := strings.NewReplacer(
		"{from}", from,
		"{longName}", from,
		"{shortName}", short,
		"{nodeId}", node.NodeID,
	)
	return replacer.Replace(tmpl)
}
