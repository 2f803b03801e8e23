// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logparser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	got := Parse("")
	if len(got) != 0 {
		t.Fatalf("expected empty sequence, got %v", got)
	}
}

func TestParse_Deterministic(t *testing.T) {
	t.Parallel()

	log := "src/app.ts:42:5 error 'React' is not defined\nsome other stdout line\n"
	a := Parse(log)
	b := Parse(log)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("Parse is not deterministic (-first +second):\n%s", diff)
	}
}

func TestParse_FilePositionError(t *testing.T) {
	t.Parallel()

	log := "src/app.ts:42:5 error 'React' is not defined"
	blocks := Parse(log)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d: %+v", len(blocks), blocks)
	}
	b := blocks[0]
	if b.File != "src/app.ts" || b.Line != 42 || !b.HasLine {
		t.Fatalf("unexpected block: %+v", b)
	}
	if b.Severity != SeverityError {
		t.Fatalf("expected error severity, got %s", b.Severity)
	}
}

func TestParse_GroupsContiguousSameFileLine(t *testing.T) {
	t.Parallel()

	log := "main.go:10:2: error: unused import\nmain.go:10:2: error: unused import\n"
	blocks := Parse(log)
	if len(blocks) != 1 {
		t.Fatalf("expected blocks on the same (file,line) to collapse, got %d", len(blocks))
	}
}

func TestParse_ANSIAndTimestampsStripped(t *testing.T) {
	t.Parallel()

	log := "2024-01-02T15:04:05.000Z \x1b[31msrc/app.ts:1:1 error boom\x1b[0m"
	blocks := Parse(log)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d: %+v", len(blocks), blocks)
	}
	if blocks[0].File != "src/app.ts" {
		t.Fatalf("unexpected file: %q", blocks[0].File)
	}
}

func TestParse_CRLFAndBareLF(t *testing.T) {
	t.Parallel()

	log := "src/a.go:1:1 error one\r\nsrc/b.go:2:2 error two\n"
	blocks := Parse(log)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d: %+v", len(blocks), blocks)
	}
}

func TestParse_DependencyError(t *testing.T) {
	t.Parallel()

	log := "npm ERR! could not resolve dependency"
	blocks := Parse(log)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].ErrorType != ErrorTypeDependency {
		t.Fatalf("expected dependency_error, got %s", blocks[0].ErrorType)
	}
}

func TestParse_StackTraceHeader(t *testing.T) {
	t.Parallel()

	log := "panic: runtime error: index out of range\n\tgoroutine 1 [running]:"
	blocks := Parse(log)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d: %+v", len(blocks), blocks)
	}
	if blocks[0].ErrorType != ErrorTypeTest {
		t.Fatalf("expected test_failure classification for panic, got %s", blocks[0].ErrorType)
	}
}

func TestParse_MultipleFilesOrderPreserved(t *testing.T) {
	t.Parallel()

	log := "a.go:1:1 error first\nb.go:2:2 error second\nc.go:3:3 error third\n"
	blocks := Parse(log)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	wantFiles := []string{"a.go", "b.go", "c.go"}
	for i, f := range wantFiles {
		if blocks[i].File != f {
			t.Fatalf("block %d: expected file %s, got %s", i, f, blocks[i].File)
		}
	}
}
