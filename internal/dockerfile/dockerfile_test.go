package dockerfile

import "testing"

func TestGenerateIsPureAndDeterministic(t *testing.T) {
	p := Params{BuildImage: "dart:3.4", RuntimeImage: "debian:bookworm-slim", BuildStageTag: "stage1"}
	a := Generate(p)
	b := Generate(p)
	if a != b {
		t.Fatal("expected Generate to be a pure function of its params")
	}
	if !containsAll(a, "FROM dart:3.4 AS stage1", "dart compile exe main.dart -o server", "FROM debian:bookworm-slim") {
		t.Fatalf("missing expected recipe stages:\n%s", a)
	}
}

func TestGenerateAppliesDefaults(t *testing.T) {
	out := Generate(Params{})
	if !containsAll(out, defaultBuildImage, defaultRuntimeImage, defaultExecutableName) {
		t.Fatalf("expected defaults to be applied:\n%s", out)
	}
}

func TestGenerateDevIsSingleStage(t *testing.T) {
	out := GenerateDev(Params{BuildImage: "dart:stable"})
	if containsAll(out, "AS ") {
		t.Fatalf("dev recipe should not declare a named build stage:\n%s", out)
	}
	if !containsAll(out, `ENTRYPOINT ["dart", "run", "main.dart"]`) {
		t.Fatalf("expected dev entrypoint to run the interpreter directly:\n%s", out)
	}
}

func TestGenerateCustomEntryPointAndMountPoint(t *testing.T) {
	out := Generate(Params{EntryPoint: "gen_main.dart", MountPoint: "/srv/functions"})
	if !containsAll(out, "dart compile exe gen_main.dart", "WORKDIR /srv/functions", `ENTRYPOINT ["/srv/functions/server"]`) {
		t.Fatalf("custom params not reflected:\n%s", out)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return len(sub) == 0
}
