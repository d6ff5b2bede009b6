// Package entrypoint implements the Entry-Point Synthesizer (C3): it
// scans an extracted function archive for the single Dart class
// annotated as the platform's handler, and emits main.dart, the
// container's top-level program. The scan is purely lexical — it
// never parses expressions or evaluates user code, per §4.3 and the
// "no reflection, no code execution at deploy time" design note.
package entrypoint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/dartcloud/core/internal/apierrors"
	"github.com/dartcloud/core/internal/fsport"
)

const (
	// BaseClassName is the platform's handler base class.
	BaseClassName = "CloudFunction"
	// AnnotationName marks the one class the platform should invoke.
	AnnotationName = "CloudHandler"
	// OutputFilename is the synthesized program's filename, written at
	// the archive root.
	OutputFilename = "main.dart"
)

var (
	annotationRe = regexp.MustCompile(`^\s*@(\w+)\s*(\(.*\))?\s*$`)
	classHeadRe  = regexp.MustCompile(`^\s*class\s+(\w+)\s+extends\s+(\w+)\b`)
	topLevelMain = regexp.MustCompile(`^\s*(void|Future<[\w<>]*>|int|dynamic)\s+main\s*\(`)
)

// Candidate is a class declaration discovered during the scan.
type Candidate struct {
	ClassName string
	BaseName  string
	Annotated bool
	File      string
	Line      int
}

// Synthesize scans dir for .dart sources (excluding OutputFilename),
// selects the single class annotated @CloudHandler extending
// CloudFunction, and writes main.dart into dir via fs.
func Synthesize(fs fsport.FS, dir string) (Candidate, error) {
	candidates, err := scanDir(dir)
	if err != nil {
		return Candidate{}, apierrors.Wrap(apierrors.InvalidArchive, "scanning archive for entry point", err)
	}

	var matches []Candidate
	for _, c := range candidates {
		if c.Annotated && c.BaseName == BaseClassName {
			matches = append(matches, c)
		}
	}

	if len(matches) == 0 {
		return Candidate{}, apierrors.New(apierrors.InvalidArchive,
			fmt.Sprintf("no class annotated @%s extends %s found", AnnotationName, BaseClassName))
	}
	if len(matches) > 1 {
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = fmt.Sprintf("%s (%s:%d)", m.ClassName, m.File, m.Line)
		}
		sort.Strings(names)
		return Candidate{}, apierrors.New(apierrors.InvalidArchive,
			fmt.Sprintf("ambiguous entry point: multiple annotated classes found: %s", strings.Join(names, ", ")))
	}

	selected := matches[0]

	program, err := renderProgram(selected.ClassName, selected.File)
	if err != nil {
		return Candidate{}, apierrors.Wrap(apierrors.Internal, "rendering entry point program", err)
	}

	outPath := fs.PathJoin(dir, OutputFilename)
	if err := fs.WriteFile(outPath, []byte(program), 0o644); err != nil {
		return Candidate{}, apierrors.Wrap(apierrors.Internal, "writing entry point program", err)
	}

	return selected, nil
}

// scanDir walks dir for .dart files and extracts class/annotation
// pairs and any disallowed top-level main() definitions.
func scanDir(dir string) ([]Candidate, error) {
	var candidates []Candidate

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".dart" {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if rel == OutputFilename {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		fileCandidates, hasTopLevelMain := scanSource(rel, string(data))
		if hasTopLevelMain {
			return apierrors.New(apierrors.InvalidArchive,
				fmt.Sprintf("%s defines a top-level entry function, which is ambiguous alongside class-based handlers", rel))
		}
		candidates = append(candidates, fileCandidates...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// scanSource performs the line-oriented lexical scan of a single
// file's contents: it looks for an @Annotation line immediately
// followed (allowing blank lines and further annotations) by a class
// head, and flags a disallowed top-level main().
func scanSource(relPath, src string) ([]Candidate, bool) {
	lines := strings.Split(src, "\n")
	var candidates []Candidate
	var pendingAnnotations []string
	hasTopLevelMain := false
	braceDepth := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Skip content nested inside a class body: we only recognize
		// class heads and annotations at top level.
		if braceDepth == 0 {
			if topLevelMain.MatchString(line) {
				hasTopLevelMain = true
			}
			if m := annotationRe.FindStringSubmatch(line); m != nil {
				pendingAnnotations = append(pendingAnnotations, m[1])
				continue
			}
			if m := classHeadRe.FindStringSubmatch(line); m != nil {
				candidates = append(candidates, Candidate{
					ClassName: m[1],
					BaseName:  m[2],
					Annotated: containsAnnotation(pendingAnnotations, AnnotationName),
					File:      relPath,
					Line:      i + 1,
				})
				pendingAnnotations = nil
			} else if trimmed != "" && !strings.HasPrefix(trimmed, "//") {
				// Any other top-level statement clears pending
				// annotations; they only attach to the next
				// declaration.
				if !annotationRe.MatchString(line) {
					pendingAnnotations = nil
				}
			}
		}

		braceDepth += strings.Count(line, "{") - strings.Count(line, "}")
		if braceDepth < 0 {
			braceDepth = 0
		}
	}

	return candidates, hasTopLevelMain
}

func containsAnnotation(annotations []string, name string) bool {
	for _, a := range annotations {
		if a == name {
			return true
		}
	}
	return false
}

var programTemplate = template.Must(template.New("main.dart").Parse(`// Code generated by the DartCloud entry-point synthesizer. DO NOT EDIT.
import 'dart:convert';
import 'dart:io';

import './{{.HandlerFile}}';

Future<void> main() async {
  final env = _loadEnvConfig('.env.config');
  final logs = <Map<String, dynamic>>[];

  try {
    final requestRaw = await File('request.json').readAsString();
    final request = jsonDecode(requestRaw) as Map<String, dynamic>;
    // A missing body is distinct from an explicit JSON null only at
    // the wire layer; both are normalized to null here so handlers
    // never have to distinguish them.
    request.putIfAbsent('body', () => null);

    final handler = {{.HandlerClass}}();
    final response = await handler.handle(request, env, logs);

    await _writeAtomic('result.json', jsonEncode(response));
  } catch (e, st) {
    logs.add({
      'level': 'error',
      'message': '$e\n$st',
      'timestamp': DateTime.now().toUtc().toIso8601String(),
    });
    await _writeAtomic('result.json', jsonEncode({
      'statusCode': 500,
      'headers': <String, String>{},
      'body': {'error': '$e'},
    }));
    await File('logs.json').writeAsString(jsonEncode({'logs': logs}));
    exit(1);
  }

  await File('logs.json').writeAsString(jsonEncode({'logs': logs}));
  exit(0);
}

Map<String, String> _loadEnvConfig(String path) {
  final env = <String, String>{};
  final file = File(path);
  if (!file.existsSync()) return env;
  for (final line in file.readAsLinesSync()) {
    final trimmed = line.trim();
    if (trimmed.isEmpty || trimmed.startsWith('#')) continue;
    final idx = trimmed.indexOf('=');
    if (idx < 0) continue;
    env[trimmed.substring(0, idx)] = trimmed.substring(idx + 1);
  }
  return env;
}

Future<void> _writeAtomic(String path, String contents) async {
  final tmp = File('$path.tmp');
  await tmp.writeAsString(contents);
  await tmp.rename(path);
}
`))

// renderProgram renders main.dart for the selected handler class.
// handlerFile is the candidate's path relative to the archive root
// (as recorded by the scan), converted to the forward-slash form Dart
// import URIs require regardless of host OS.
func renderProgram(handlerClass, handlerFile string) (string, error) {
	var sb strings.Builder
	data := struct {
		HandlerClass string
		HandlerFile  string
	}{
		HandlerClass: handlerClass,
		HandlerFile:  filepath.ToSlash(handlerFile),
	}
	if err := programTemplate.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
