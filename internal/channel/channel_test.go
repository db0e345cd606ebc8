package channel

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPayloadPersistsWithSnakeCaseKeys(t *testing.T) {
	t.Parallel()
	p := Payload{
		Text:      "hello",
		ParseMode: "HTML",
		Media:     &Media{Type: "photo", FileID: "f1", Caption: "c"},
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"text"`, `"parse_mode"`, `"media"`, `"type"`, `"file_id"`, `"caption"`} {
		if !strings.Contains(string(b), key) {
			t.Fatalf("persisted payload %s is missing key %s", b, key)
		}
	}

	var got Payload
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Media == nil || got.Media.FileID != "f1" {
		t.Fatalf("media did not survive the round trip: %+v", got.Media)
	}
}
