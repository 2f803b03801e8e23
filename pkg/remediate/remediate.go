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

// Package remediate is the Remediation Orchestrator (C7): the end-to-end
// log -> LLM -> patch -> branch -> PR pipeline for a single incident.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/llm"
	"github.com/caspianflow/remedyci/pkg/logparser"
	"github.com/caspianflow/remedyci/pkg/metrics"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/providerclient"
	"github.com/caspianflow/remedyci/pkg/store"
)

// Budget bounds the orchestrator's per-incident resource consumption
// (spec.md §4.7 "Budgets").
type Budget struct {
	MaxFiles           int
	MaxErrorsPerFile   int
	MaxLogContextChars int
	// MaxLLMInputChars caps the total size (file content plus error-block
	// text, summed across every candidate file) handed to the generator
	// for one incident. Exceeding it fails the incident with
	// FailureReasonBudget rather than sending an oversized request.
	MaxLLMInputChars int
	WallTime         time.Duration
}

// DefaultBudget matches the spec's stated defaults.
var DefaultBudget = Budget{
	MaxFiles:           3,
	MaxErrorsPerFile:   5,
	MaxLogContextChars: 4000,
	MaxLLMInputChars:   60000,
	WallTime:           5 * time.Minute,
}

// refresher lazily refreshes an OAuth connection's access token when a
// provider call returns 401 (spec.md §4.3 "transparent to callers").
type refresher interface {
	Refresh(ctx context.Context, conn *models.OAuthConnection) (string, error)
}

// Orchestrator executes remediation for a single incident.
type Orchestrator struct {
	store     store.Store
	vault     decrypter
	client    providerclient.Client
	gen       llm.Generator
	metrics   *metrics.Metrics
	budget    Budget
	logger    *slog.Logger
	refresher refresher
}

// decrypter is the narrow slice of vault.Vault the orchestrator needs.
type decrypter interface {
	DecryptString(ciphertext []byte) (string, error)
}

// New constructs an Orchestrator. refresh may be nil, in which case a 401
// from the provider client surfaces directly instead of being retried.
func New(ctx context.Context, st store.Store, v decrypter, client providerclient.Client, gen llm.Generator, m *metrics.Metrics, budget Budget, refresh refresher) *Orchestrator {
	return &Orchestrator{store: st, vault: v, client: client, gen: gen, metrics: m, budget: budget, logger: logging.FromContext(ctx), refresher: refresh}
}

// withRefresh invokes op(token); if it fails with ErrUnauthorized and a
// refresher is configured, it exchanges conn's refresh token once and
// retries op with the new token (spec.md §4.3, §8 "token refresh racing
// with a call").
func (o *Orchestrator) withRefresh(ctx context.Context, conn *models.OAuthConnection, token *string, op func(token string) error) error {
	err := op(*token)
	if err == nil || o.refresher == nil || !errors.Is(err, errs.ErrUnauthorized) {
		return err
	}
	refreshed, rerr := o.refresher.Refresh(ctx, conn)
	if rerr != nil {
		return err
	}
	*token = refreshed
	return op(*token)
}

// Run executes the full pipeline for incidentID, per spec.md §4.7.
func (o *Orchestrator) Run(ctx context.Context, incidentID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.budget.WallTime)
	defer cancel()

	start := time.Now()
	outcome := "failed"
	defer func() {
		if o.metrics != nil {
			o.metrics.RemediationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		}
	}()

	incident, err := o.store.Incidents().Get(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("failed to load incident: %w", err)
	}
	run, err := o.store.WorkflowRuns().GetByID(ctx, incident.WorkflowRunID)
	if err != nil {
		return o.fail(ctx, incident, models.FailureReasonNoLogs, fmt.Errorf("failed to load workflow run: %w", err))
	}
	repoConn, err := o.store.RepositoryConnections().Get(ctx, incident.RepositoryConnectionID)
	if err != nil {
		return o.fail(ctx, incident, models.FailureReasonNoCredentials, fmt.Errorf("failed to load repository connection: %w", err))
	}

	token, oauthConn, err := o.resolveToken(ctx, repoConn)
	if err != nil {
		return o.fail(ctx, incident, models.FailureReasonNoCredentials, err)
	}
	provider := oauthConn.Provider

	if o.metrics != nil {
		o.metrics.RemediationsStarted.WithLabelValues(string(provider)).Inc()
	}

	owner, repo, err := splitFullName(repoConn.RepositoryFullName)
	if err != nil {
		return o.fail(ctx, incident, models.FailureReasonNoCredentials, err)
	}

	var rawLogs []byte
	err = o.withRefresh(ctx, oauthConn, &token, func(tok string) error {
		logs, derr := o.client.DownloadRunLogs(ctx, tok, owner, repo, run.ProviderRunID)
		if derr != nil {
			return derr
		}
		rawLogs = logs
		return nil
	})
	if err != nil {
		return o.fail(ctx, incident, models.FailureReasonNoLogs, fmt.Errorf("failed to download run logs: %w", err))
	}

	blocks := logparser.Parse(string(rawLogs))
	if len(blocks) == 0 {
		return o.fail(ctx, incident, models.FailureReasonNoSignal, errors.New("log parser produced zero error blocks"))
	}

	candidates := selectCandidates(blocks, o.budget.MaxFiles, o.budget.MaxErrorsPerFile)

	base := run.Branch
	if base == "" {
		base = repoConn.DefaultBranch
	}

	type fileEdit struct {
		path    string
		sha     string
		content string
	}
	var edits []fileEdit
	llmInputChars := 0

	for _, file := range candidates {
		var content *providerclient.FileContent
		err := o.withRefresh(ctx, oauthConn, &token, func(tok string) error {
			c, ferr := o.client.GetFile(ctx, tok, owner, repo, file.path, base)
			if ferr != nil {
				return ferr
			}
			content = c
			return nil
		})
		if err != nil {
			return o.fail(ctx, incident, models.FailureReasonRemediation, fmt.Errorf("failed to fetch file %q: %w", file.path, err))
		}

		errorBlocks := make([]logparser.ErrorBlock, len(file.blocks))
		errorContextChars := 0
		for i, blk := range file.blocks {
			blk.Message = truncate(blk.Message, o.budget.MaxLogContextChars)
			errorBlocks[i] = blk
			errorContextChars += len(blk.Message)
		}

		llmInputChars += len(content.Content) + errorContextChars
		if o.budget.MaxLLMInputChars > 0 && llmInputChars > o.budget.MaxLLMInputChars {
			return o.fail(ctx, incident, models.FailureReasonBudget, fmt.Errorf("llm input size %d exceeds budget %d", llmInputChars, o.budget.MaxLLMInputChars))
		}

		patchReq := llm.Request{
			Repository:   repoConn.RepositoryFullName,
			WorkflowName: run.RunURL,
			FilePath:     file.path,
			FileContent:  content.Content,
			FileLines:    countLines(content.Content),
			ErrorBlocks:  errorBlocks,
		}
		patch, err := o.gen.GeneratePatch(ctx, patchReq)
		if err != nil {
			return o.fail(ctx, incident, models.FailureReasonRemediation, fmt.Errorf("llm generation failed for %q: %w", file.path, err))
		}

		newContent, err := applyPatch(content.Content, patch)
		if err != nil {
			return o.fail(ctx, incident, models.FailureReasonRemediation, fmt.Errorf("failed to apply patch to %q: %w", file.path, err))
		}

		edits = append(edits, fileEdit{path: file.path, sha: content.SHA, content: newContent})
	}

	branch := "remediation/" + incident.ID
	if err := o.withRefresh(ctx, oauthConn, &token, func(tok string) error {
		return o.client.CreateBranch(ctx, tok, owner, repo, run.CommitSHA, branch)
	}); err != nil {
		return o.fail(ctx, incident, models.FailureReasonRemediation, fmt.Errorf("failed to create remediation branch: %w", err))
	}

	for _, e := range edits {
		err := o.withRefresh(ctx, oauthConn, &token, func(tok string) error {
			return o.client.CreateOrUpdateFile(ctx, tok, owner, repo, e.path, providerclient.CreateOrUpdateFileInput{
				Content: e.content,
				SHA:     e.sha,
				Branch:  branch,
				Message: fmt.Sprintf("remedyci: fix %s for incident %s", e.path, incident.ID),
			})
		})
		if err != nil {
			if errors.Is(err, errs.ErrConflict) {
				return o.fail(ctx, incident, models.FailureReasonConflict, fmt.Errorf("concurrent modification of %q: %w", e.path, err))
			}
			return o.fail(ctx, incident, models.FailureReasonRemediation, fmt.Errorf("failed to commit %q: %w", e.path, err))
		}
	}

	var pr *providerclient.PullRequest
	err = o.withRefresh(ctx, oauthConn, &token, func(tok string) error {
		p, perr := o.client.CreatePullRequest(ctx, tok, owner, repo, providerclient.PullRequestInput{
			Head:  branch,
			Base:  base,
			Title: fmt.Sprintf("remedyci: automated fix for incident %s", incident.ID),
			Body:  buildPRBody(incident, candidates),
		})
		if perr != nil {
			return perr
		}
		pr = p
		return nil
	})
	if err != nil {
		return o.fail(ctx, incident, models.FailureReasonRemediation, fmt.Errorf("failed to open pull request: %w", err))
	}

	if _, err := o.store.PullRequestRecords().Create(ctx, &models.PullRequestRecord{
		IncidentID:   incident.ID,
		PRNumber:     pr.Number,
		PRURL:        pr.URL,
		BranchName:   branch,
		State:        models.PullRequestOpen,
		FilesChanged: len(edits),
		Truncated:    len(candidates) < len(groupByFile(blocks)),
	}); err != nil {
		return fmt.Errorf("failed to persist pull request record: %w", err)
	}

	if err := o.store.Incidents().UpdateStatus(ctx, incident.ID, models.IncidentStatusInvestigating, models.FailureReasonNone); err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}

	outcome = "succeeded"
	if o.metrics != nil {
		o.metrics.RemediationsSucceeded.WithLabelValues(string(provider)).Inc()
	}
	return nil
}

func (o *Orchestrator) resolveToken(ctx context.Context, repoConn *models.RepositoryConnection) (string, *models.OAuthConnection, error) {
	conn, err := o.store.OAuthConnections().Get(ctx, repoConn.OAuthConnectionID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load oauth connection: %w", err)
	}
	if conn.Revoked {
		return "", nil, fmt.Errorf("oauth connection has been revoked: %w", errs.ErrAuthFailed)
	}
	token, err := o.vault.DecryptString(conn.EncryptedAccessToken)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	return token, conn, nil
}

func (o *Orchestrator) fail(ctx context.Context, incident *models.Incident, reason models.FailureReason, cause error) error {
	if o.metrics != nil {
		o.metrics.RemediationsFailed.WithLabelValues(string(reason)).Inc()
	}
	if err := o.store.Incidents().UpdateStatus(ctx, incident.ID, models.IncidentStatusFailedTerminal, reason); err != nil {
		o.logger.ErrorContext(ctx, "failed to record remediation failure", "incident_id", incident.ID, "error", err)
	}
	return fmt.Errorf("remediation failed for incident %s: %w", incident.ID, cause)
}

type fileCandidate struct {
	path   string
	blocks []logparser.ErrorBlock
}

// selectCandidates implements spec.md §4.7 step 4: group by file, rank by
// (has line?, severity, block count desc), keep maxFiles files and at most
// maxErrorsPerFile blocks each.
func selectCandidates(blocks []logparser.ErrorBlock, maxFiles, maxErrorsPerFile int) []fileCandidate {
	grouped := groupByFile(blocks)

	files := make([]fileCandidate, 0, len(grouped))
	for path, fb := range grouped {
		files = append(files, fileCandidate{path: path, blocks: fb})
	}

	// files is built from map iteration, whose order is randomized, so the
	// comparator must fully resolve ties (ending in path) for a
	// deterministic processing order across runs.
	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		aHasLine, bHasLine := anyHasLine(a.blocks), anyHasLine(b.blocks)
		if aHasLine != bHasLine {
			return aHasLine
		}
		aSev, bSev := maxSeverity(a.blocks), maxSeverity(b.blocks)
		if aSev != bSev {
			return severityRank(aSev) > severityRank(bSev)
		}
		if len(a.blocks) != len(b.blocks) {
			return len(a.blocks) > len(b.blocks)
		}
		return a.path < b.path
	})

	if len(files) > maxFiles {
		files = files[:maxFiles]
	}
	for i := range files {
		if len(files[i].blocks) > maxErrorsPerFile {
			files[i].blocks = files[i].blocks[:maxErrorsPerFile]
		}
	}
	return files
}

func groupByFile(blocks []logparser.ErrorBlock) map[string][]logparser.ErrorBlock {
	grouped := make(map[string][]logparser.ErrorBlock)
	for _, b := range blocks {
		if b.File == "" {
			continue
		}
		grouped[b.File] = append(grouped[b.File], b)
	}
	return grouped
}

func anyHasLine(blocks []logparser.ErrorBlock) bool {
	for _, b := range blocks {
		if b.HasLine {
			return true
		}
	}
	return false
}

func maxSeverity(blocks []logparser.ErrorBlock) logparser.Severity {
	best := logparser.SeverityUnknown
	for _, b := range blocks {
		if severityRank(b.Severity) > severityRank(best) {
			best = b.Severity
		}
	}
	return best
}

func severityRank(s logparser.Severity) int {
	switch s {
	case logparser.SeverityCritical:
		return 3
	case logparser.SeverityError:
		return 2
	case logparser.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// applyPatch applies line substitutions from highest line number to
// lowest, so earlier edits don't shift later indices (spec.md §4.7
// "Ordering and tie-breaks").
func applyPatch(original string, patch *llm.Patch) (string, error) {
	nl := "\n"
	if strings.Contains(original, "\r\n") {
		nl = "\r\n"
	}
	lines := strings.Split(strings.ReplaceAll(original, "\r\n", "\n"), "\n")

	changes := make([]llm.LineChange, len(patch.Changes))
	copy(changes, patch.Changes)
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Line > changes[j].Line })

	applied := make(map[int]bool)
	for _, c := range changes {
		if applied[c.Line] {
			// two blocks on the same line collapse into one patch; the
			// first (highest-priority) change wins, later ones are context.
			continue
		}
		idx := c.Line - 1
		if idx < 0 || idx >= len(lines) {
			return "", fmt.Errorf("line %d out of range for file with %d lines", c.Line, len(lines))
		}
		lines[idx] = c.Fixed
		applied[c.Line] = true
	}

	return strings.Join(lines, nl), nil
}

// truncate bounds s to at most max runes, cutting on a rune boundary so a
// multi-byte character is never split.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func buildPRBody(incident *models.Incident, candidates []fileCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n\nThis pull request was machine-generated. Review before merge.\n\n", incident.ID)
	for _, f := range candidates {
		fmt.Fprintf(&b, "- %s: %d error(s) addressed\n", f.path, len(f.blocks))
	}
	return b.String()
}

func splitFullName(fullName string) (owner, name string, err error) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			return fullName[:i], fullName[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed repository full name %q: %w", fullName, errs.ErrInputRejected)
}
