package agents

import "testing"

func TestClassifyWalksBaseChains(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{ID: "coder", BaseID: BaseExec})
	r.Register(Definition{ID: "careful-coder", BaseID: "coder"})
	r.Register(Definition{ID: "planner", BaseID: BasePlan})
	r.Register(Definition{ID: "deep-planner", BaseID: "planner"})
	r.Register(Definition{ID: "loner"})

	cases := []struct {
		id   string
		want Class
	}{
		{BaseExec, ClassExecLike},
		{BasePlan, ClassPlanLike},
		{BaseOrchestrator, ClassExecLike},
		{"coder", ClassExecLike},
		{"careful-coder", ClassExecLike},
		{"planner", ClassPlanLike},
		{"deep-planner", ClassPlanLike},
		{"loner", ClassPlain},
		{"never-registered", ClassPlain},
	}
	for _, tc := range cases {
		if got := r.Classify(tc.id); got != tc.want {
			t.Fatalf("Classify(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestClassifyHandlesCycles(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{ID: "a", BaseID: "b"})
	r.Register(Definition{ID: "b", BaseID: "a"})
	if got := r.Classify("a"); got != ClassPlain {
		t.Fatalf("Classify(cycle) = %v, want ClassPlain", got)
	}
}

func TestFinalizeTool(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{ID: "planner", BaseID: BasePlan})
	if got := r.FinalizeTool("planner"); got != ToolProposePlan {
		t.Fatalf("FinalizeTool(planner) = %q, want %q", got, ToolProposePlan)
	}
	if got := r.FinalizeTool("anything-else"); got != ToolAgentReport {
		t.Fatalf("FinalizeTool(anything-else) = %q, want %q", got, ToolAgentReport)
	}
}

func TestRegisterInvalidatesClassCache(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{ID: "custom", BaseID: "middle"})
	if got := r.Classify("custom"); got != ClassPlain {
		t.Fatalf("Classify(custom) before base = %v, want ClassPlain", got)
	}
	r.Register(Definition{ID: "middle", BaseID: BasePlan})
	if got := r.Classify("custom"); got != ClassPlanLike {
		t.Fatalf("Classify(custom) after base = %v, want ClassPlanLike", got)
	}
}
