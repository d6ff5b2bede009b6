package entrypoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dartcloud/core/internal/apierrors"
	"github.com/dartcloud/core/internal/fsport"
)

func writeDart(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSynthesizeHappyPath(t *testing.T) {
	dir := t.TempDir()
	writeDart(t, dir, "handler.dart", `
import 'cloud_function.dart';

@CloudHandler
class Greeter extends CloudFunction {
  Future<Map<String, dynamic>> handle(req, env, logs) async {
    return {'statusCode': 200, 'body': {'hello': 'world'}};
  }
}
`)

	candidate, err := Synthesize(fsport.New(), dir)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if candidate.ClassName != "Greeter" {
		t.Fatalf("expected Greeter, got %s", candidate.ClassName)
	}

	out, err := os.ReadFile(filepath.Join(dir, OutputFilename))
	if err != nil {
		t.Fatalf("reading main.dart: %v", err)
	}
	if !contains(string(out), "Greeter()") {
		t.Fatalf("generated program does not reference handler class: %s", out)
	}
}

func TestSynthesizeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeDart(t, dir, "handler.dart", `
@CloudHandler
class Pinger extends CloudFunction {}
`)

	_, err := Synthesize(fsport.New(), dir)
	if err != nil {
		t.Fatalf("first Synthesize: %v", err)
	}
	first, err := os.ReadFile(filepath.Join(dir, OutputFilename))
	if err != nil {
		t.Fatal(err)
	}

	_, err = Synthesize(fsport.New(), dir)
	if err != nil {
		t.Fatalf("second Synthesize: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(dir, OutputFilename))
	if err != nil {
		t.Fatal(err)
	}

	if string(first) != string(second) {
		t.Fatal("expected byte-identical output across repeated synthesis")
	}
}

func TestSynthesizeRejectsNoCandidates(t *testing.T) {
	dir := t.TempDir()
	writeDart(t, dir, "handler.dart", `
class Plain {}
`)

	_, err := Synthesize(fsport.New(), dir)
	if !apierrors.Is(err, apierrors.InvalidArchive) {
		t.Fatalf("expected InvalidArchive, got %v", err)
	}
}

func TestSynthesizeRejectsAmbiguousAnnotatedClasses(t *testing.T) {
	dir := t.TempDir()
	writeDart(t, dir, "a.dart", `
@CloudHandler
class AHandler extends CloudFunction {}
`)
	writeDart(t, dir, "b.dart", `
@CloudHandler
class BHandler extends CloudFunction {}
`)

	_, err := Synthesize(fsport.New(), dir)
	if !apierrors.Is(err, apierrors.InvalidArchive) {
		t.Fatalf("expected InvalidArchive, got %v", err)
	}
}

func TestSynthesizeIgnoresUnannotatedSubclasses(t *testing.T) {
	dir := t.TempDir()
	writeDart(t, dir, "handler.dart", `
class Helper extends CloudFunction {}

@CloudHandler
class RealHandler extends CloudFunction {}
`)

	candidate, err := Synthesize(fsport.New(), dir)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if candidate.ClassName != "RealHandler" {
		t.Fatalf("expected RealHandler, got %s", candidate.ClassName)
	}
}

func TestSynthesizeRejectsTopLevelMain(t *testing.T) {
	dir := t.TempDir()
	writeDart(t, dir, "handler.dart", `
@CloudHandler
class Handler extends CloudFunction {}

void main() {
  print('hi');
}
`)

	_, err := Synthesize(fsport.New(), dir)
	if !apierrors.Is(err, apierrors.InvalidArchive) {
		t.Fatalf("expected InvalidArchive for top-level main, got %v", err)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
