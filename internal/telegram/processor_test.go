package telegram

import (
	"testing"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func TestProcessorPrivateMode(t *testing.T) {
	from := func(id int64) *ext.Context {
		return &ext.Context{EffectiveUser: &gotgbot.User{Id: id}}
	}

	open := Processor{}
	if !open.allowed(from(1)) || !open.allowed(&ext.Context{}) {
		t.Fatalf("public mode should allow everyone")
	}

	private := Processor{AllowedUserID: 42}
	if !private.allowed(from(42)) {
		t.Fatalf("admin should be allowed")
	}
	if private.allowed(from(7)) || private.allowed(&ext.Context{}) {
		t.Fatalf("others should be dropped in private mode")
	}
}
