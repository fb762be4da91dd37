package stream

import (
	"context"
	"testing"
)

func TestParseCLIPartsMixedOutput(t *testing.T) {
	out := `{"type":"text","text":"working on it"}
{"type":"tool_call","tool_name":"report_done","state":"completed","input":"{\"report\":\"all set\"}"}
some stray log line
{"type":"unknown","text":"ignored kind"}
`
	parts := parseCLIParts(out)
	if len(parts) != 3 {
		t.Fatalf("parseCLIParts() returned %d parts, want 3", len(parts))
	}
	if parts[0].Type != "text" || parts[0].Text != "working on it" {
		t.Fatalf("first part = %+v", parts[0])
	}
	if parts[1].Type != "tool_call" || parts[1].ToolName != "report_done" {
		t.Fatalf("second part = %+v", parts[1])
	}
	if parts[2].Type != "text" {
		t.Fatalf("trailing part type = %q, want text", parts[2].Type)
	}
	if parts[2].Text != "some stray log line\nignored kind" {
		t.Fatalf("trailing part text = %q", parts[2].Text)
	}
}

func TestParseCLIPartsEmpty(t *testing.T) {
	if parts := parseCLIParts("\n\n"); parts != nil {
		t.Fatalf("parseCLIParts(blank) = %+v, want nil", parts)
	}
}

func TestCLIEngineStopWithoutStream(t *testing.T) {
	e := NewCLIEngine(CLIEngineConfig{}, nil, nil)
	if e.IsStreaming("m1") {
		t.Fatal("IsStreaming() = true for idle minion")
	}
	if err := e.StopStream(context.Background(), "m1", true); err != nil {
		t.Fatalf("StopStream() error = %v", err)
	}
}
