package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"fenced json", "Here you go:\n```json\n{\"a\":1}\n```\nthanks", `{"a":1}`},
		{"fenced without tag", "```\n{\"a\":2}\n```", `{"a":2}`},
		{"fenced single line", "```json {\"a\":3}```", `{"a":3}`},
		{"fence wins over earlier brace", "note {x}\n```json\n{\"a\":4}\n```", `{"a":4}`},
		{"first object", "Sure! {\"a\":{\"b\":\"}\"}} trailing {\"c\":1}", `{"a":{"b":"}"}}`},
		{"escaped quote in string", `{"a":"say \"}\" ok"} tail`, `{"a":"say \"}\" ok"}`},
		{"unterminated object", `prefix {"a":1`, `{"a":1`},
		{"raw", "  no structure here  ", "no structure here"},
		{"unterminated fence falls back to object", "```json\n{\"a\":5}", `{"a":5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Extract(tc.in))
		})
	}
}
