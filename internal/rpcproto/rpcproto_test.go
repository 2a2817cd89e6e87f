package rpcproto

import (
	"encoding/json"
	"testing"
)

func TestRequestDecodesFlatParams(t *testing.T) {
	line := []byte(`{"jsonrpc":"2.0","id":7,"method":"spawn","params":{"command":"/bin/sh"}}`)
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if req.ID != 7 || req.Method != "spawn" {
		t.Fatalf("unexpected request: %+v", req)
	}
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("Unmarshal params: %v", err)
	}
	if params.Command != "/bin/sh" {
		t.Fatalf("expected command /bin/sh, got %q", params.Command)
	}
}

func TestErrorResponseRoundTrips(t *testing.T) {
	resp := Response{JSONRPC: "2.0", ID: 3, Error: Busy("session limit reached", "try kill or cleanup")}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Category != CategoryBusy {
		t.Fatalf("expected a Busy error, got %+v", decoded.Error)
	}
	if decoded.Error.Suggestion == "" {
		t.Fatal("expected a suggestion to survive the round trip")
	}
}
