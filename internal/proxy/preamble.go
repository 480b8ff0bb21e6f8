package proxy

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	humanTurn     = "\n\nHuman:"
	assistantTurn = "\n\nAssistant:"
)

// AddPreamble makes a completion prompt start with a Human turn and end
// with an open Assistant turn, as some Anthropic keys insist. Bodies
// without a string prompt are returned unchanged.
func AddPreamble(body []byte) ([]byte, error) {
	prompt := gjson.GetBytes(body, "prompt")
	if prompt.Type != gjson.String {
		return body, nil
	}
	p := prompt.String()

	var preamble string
	if !strings.HasPrefix(p, humanTurn) {
		preamble = humanTurn
	}
	if strings.LastIndex(p, humanTurn) > strings.LastIndex(p, assistantTurn) {
		p += assistantTurn
	}
	if preamble == "" && p == prompt.String() {
		return body, nil
	}
	return sjson.SetBytes(append([]byte(nil), body...), "prompt", preamble+p)
}
