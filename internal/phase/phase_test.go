package phase

import "testing"

func TestApply_HappyPath(t *testing.T) {
	steps := []struct {
		line string
		want Trace
	}{
		{"[create-db] start Florida", Trace{Running, Pending, Pending}},
		{"inserting counties 12/67", Trace{Running, Pending, Pending}},
		{"[create-db] done in 41s", Trace{Done, Pending, Pending}},
		{"Generating state JSON for Florida", Trace{Done, Running, Pending}},
		{"build json done (412 cities)", Trace{Done, Done, Pending}},
		{"child pid started 4411", Trace{Done, Done, Running}},
		{"run state: Florida", Trace{Done, Done, Running}},
	}

	tr := New()
	for _, s := range steps {
		tr = Apply(tr, s.line)
		if tr != s.want {
			t.Fatalf("after %q: trace = %+v, want %+v", s.line, tr, s.want)
		}
	}
}

func TestApply_JSONStartForcesDBDone(t *testing.T) {
	tr := Apply(New(), "generating state json")
	if tr.CreateDB != Done || tr.CreateJSON != Running {
		t.Errorf("trace = %+v, want createDb done and createJson running", tr)
	}
}

func TestApply_DeltaMarkers(t *testing.T) {
	for _, line := range []string{"child pid started 99", "phase:init", "phase: init", "run state: Ohio"} {
		tr := Apply(New(), line)
		want := Trace{Done, Done, Running}
		if tr != want {
			t.Errorf("Apply(%q) = %+v, want %+v", line, tr, want)
		}
	}
}

func TestApply_CreateDBRestartResetsRunningDownstream(t *testing.T) {
	tr := Trace{CreateDB: Error, CreateJSON: Running, RunDelta: Pending}
	tr = Apply(tr, "create-db starting")
	want := Trace{Running, Pending, Pending}
	if tr != want {
		t.Errorf("trace = %+v, want %+v", tr, want)
	}
}

func TestApply_CreateDBStartDoesNotRegressDone(t *testing.T) {
	tr := Trace{CreateDB: Done, CreateJSON: Running, RunDelta: Pending}
	tr = Apply(tr, "create-db start")
	if tr.CreateDB != Done {
		t.Errorf("CreateDB = %s, want done", tr.CreateDB)
	}
	if tr.CreateJSON != Pending {
		t.Errorf("CreateJSON = %s, want pending after restart marker", tr.CreateJSON)
	}
}

func TestApply_ExplicitFailures(t *testing.T) {
	tests := []struct {
		line string
		from Trace
		want Trace
	}{
		{"create-db failed: duplicate key", Trace{Running, Pending, Pending}, Trace{Error, Pending, Pending}},
		{"build json failed", Trace{Done, Running, Pending}, Trace{Done, Error, Pending}},
		{"run-delta error: timeout", Trace{Done, Done, Running}, Trace{Done, Done, Error}},
	}

	for _, tt := range tests {
		if got := Apply(tt.from, tt.line); got != tt.want {
			t.Errorf("Apply(%+v, %q) = %+v, want %+v", tt.from, tt.line, got, tt.want)
		}
	}
}

func TestApply_BareFatalPromotesToRunningPhase(t *testing.T) {
	tests := []struct {
		name string
		from Trace
		line string
		want Trace
	}{
		{"json running", Trace{Done, Running, Pending}, "FATAL: out of memory", Trace{Done, Error, Pending}},
		{"exit code", Trace{Running, Pending, Pending}, "process exited with code 1", Trace{Error, Pending, Pending}},
		{"child close", Trace{Done, Done, Running}, "child closed code=137", Trace{Done, Done, Error}},
		{"defaults to delta", Trace{Done, Done, Pending}, "fatal error", Trace{Done, Done, Error}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Apply(tt.from, tt.line); got != tt.want {
				t.Errorf("Apply() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestApply_ZeroExitCodeIsNotFailure(t *testing.T) {
	from := Trace{Done, Done, Running}
	if got := Apply(from, "child closed code=0"); got != from {
		t.Errorf("Apply() = %+v, want unchanged", got)
	}
}

func TestApply_IsPure(t *testing.T) {
	in := New()
	_ = Apply(in, "create-db start")
	if in != New() {
		t.Error("Apply modified its input")
	}
}

func TestReplay_NeverRegressesDone(t *testing.T) {
	lines := []string{
		"create-db start",
		"create-db done",
		"generating state json",
		"create-db start", // reordered noise from a retry
		"build json done",
		"phase:init",
		"create-db start",
		"generating state json",
	}

	var prev Trace = New()
	for i := range lines {
		cur := Replay(lines[:i+1])
		for n := CreateDB; n < numPhases; n++ {
			if prev.Get(n) == Done && cur.Get(n) != Done {
				t.Fatalf("line %d %q regressed %s from done to %s", i, lines[i], n, cur.Get(n))
			}
		}
		prev = cur
	}
}

func TestFinish(t *testing.T) {
	ok := Finish(Trace{Done, Done, Running}, true)
	if ok != (Trace{Done, Done, Done}) {
		t.Errorf("Finish(ok) = %+v", ok)
	}

	failed := Finish(Trace{Done, Running, Pending}, false)
	if failed.CreateJSON != Error {
		t.Errorf("Finish(!ok) = %+v, want createJson error", failed)
	}

	already := Trace{Error, Pending, Pending}
	if got := Finish(already, false); got != already {
		t.Errorf("Finish(!ok) on errored trace = %+v, want unchanged", got)
	}
}
