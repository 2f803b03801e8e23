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

// Package llm is the capability boundary between the remediation
// orchestrator (C7) and a concrete model provider. Callers depend only on
// Generator; anthropicgen is the one shipped implementation.
package llm

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/logparser"
)

// LineChange is one proposed edit: replace the 1-indexed Line with Fixed.
type LineChange struct {
	Line        int    `json:"line_number" validate:"required,min=1"`
	Fixed       string `json:"fixed_line" validate:"required"`
	Explanation string `json:"explanation" validate:"required"`
}

// Patch is the structured response requested from the model for a single
// file, per spec.md §4.7 step 5b.
type Patch struct {
	Changes []LineChange `json:"changes" validate:"required,min=1,dive"`
}

// Request bundles everything the model needs to propose a fix for one file.
type Request struct {
	Repository   string
	WorkflowName string
	FilePath     string
	FileContent  string
	FileLines    int
	ErrorBlocks  []logparser.ErrorBlock
}

// Generator proposes a structured patch for a single file given its error
// context.
type Generator interface {
	GeneratePatch(ctx context.Context, req Request) (*Patch, error)
}

var validate = validator.New()

// ValidatePatch enforces spec.md §4.7 step 5b: non-empty changes, every
// line number within file length, no NUL bytes, UTF-8 clean.
func ValidatePatch(p *Patch, fileLines int) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrModelFailure, err)
	}
	for _, c := range p.Changes {
		if c.Line > fileLines {
			return fmt.Errorf("%w: line %d exceeds file length %d", errs.ErrModelFailure, c.Line, fileLines)
		}
		if !utf8.ValidString(c.Fixed) {
			return fmt.Errorf("%w: fixed_line is not valid UTF-8", errs.ErrModelFailure)
		}
		for i := 0; i < len(c.Fixed); i++ {
			if c.Fixed[i] == 0 {
				return fmt.Errorf("%w: fixed_line contains a NUL byte", errs.ErrModelFailure)
			}
		}
	}
	return nil
}
