package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestToolsetCall(t *testing.T) {
	ts := DefaultToolset()

	if got := ts.Names(); len(got) != 2 || got[0] != "current_time" || got[1] != "roll_dice" {
		t.Fatalf("Names = %v", got)
	}

	if _, err := ts.Call("launch_missiles", nil); err == nil {
		t.Error("unknown tool should fail")
	}
}

func TestCurrentTime(t *testing.T) {
	out, err := currentTime(json.RawMessage(`{"timezone":"UTC"}`))
	if err != nil {
		t.Fatalf("currentTime: %v", err)
	}
	var res struct {
		Time     string `json:"time"`
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("result is not JSON: %q", out)
	}
	if res.Timezone != "UTC" || !strings.Contains(res.Time, "UTC") {
		t.Errorf("result = %+v", res)
	}

	if _, err := currentTime(json.RawMessage(`{"timezone":"Mars/Olympus"}`)); err == nil {
		t.Error("unknown timezone should fail")
	}

	// No arguments means local time.
	if _, err := currentTime(nil); err != nil {
		t.Errorf("currentTime with no args: %v", err)
	}
}

func TestRollDice(t *testing.T) {
	out, err := rollDice(json.RawMessage(`{"sides":20,"count":3}`))
	if err != nil {
		t.Fatalf("rollDice: %v", err)
	}
	var res struct {
		Rolls []int `json:"rolls"`
		Total int   `json:"total"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("result is not JSON: %q", out)
	}
	if len(res.Rolls) != 3 {
		t.Fatalf("rolled %d dice, want 3", len(res.Rolls))
	}
	sum := 0
	for _, roll := range res.Rolls {
		if roll < 1 || roll > 20 {
			t.Errorf("roll %d out of range", roll)
		}
		sum += roll
	}
	if sum != res.Total {
		t.Errorf("total = %d, rolls sum to %d", res.Total, sum)
	}

	for _, bad := range []string{
		`{"sides":1}`,
		`{"sides":6,"count":0}`,
		`{"sides":6,"count":1000}`,
	} {
		if _, err := rollDice(json.RawMessage(bad)); err == nil {
			t.Errorf("arguments %s should fail", bad)
		}
	}
}
