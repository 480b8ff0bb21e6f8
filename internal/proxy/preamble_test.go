package proxy

import (
	"testing"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func TestAddPreamble(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"bare prompt", "Hello", "\n\nHuman:Hello"},
		{"already formed", "\n\nHuman: Hi\n\nAssistant:", "\n\nHuman: Hi\n\nAssistant:"},
		{"open human turn", "\n\nHuman: Hi", "\n\nHuman: Hi\n\nAssistant:"},
		{"missing preamble with turns", "Be nice.\n\nHuman: Hi", "\n\nHuman:Be nice.\n\nHuman: Hi\n\nAssistant:"},
		{"assistant last", "\n\nHuman: Hi\n\nAssistant: Hello\n\nAssistant:", "\n\nHuman: Hi\n\nAssistant: Hello\n\nAssistant:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := sjson.SetBytes([]byte(`{"model":"claude-2"}`), "prompt", tt.prompt)
			if err != nil {
				t.Fatal(err)
			}
			out, err := AddPreamble(body)
			if err != nil {
				t.Fatalf("AddPreamble: %v", err)
			}
			if got := gjson.GetBytes(out, "prompt").String(); got != tt.want {
				t.Errorf("prompt = %q; want %q", got, tt.want)
			}
			if gjson.GetBytes(out, "model").String() != "claude-2" {
				t.Error("other fields must be preserved")
			}
		})
	}
}

func TestAddPreamble_NoPrompt(t *testing.T) {
	body := []byte(`{"model":"claude-2","messages":[]}`)
	out, err := AddPreamble(body)
	if err != nil {
		t.Fatalf("AddPreamble: %v", err)
	}
	if string(out) != string(body) {
		t.Errorf("body changed: %s", out)
	}
}
