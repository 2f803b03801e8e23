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

package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/caspianflow/remedyci/pkg/errs"
	"github.com/caspianflow/remedyci/pkg/models"
	"github.com/caspianflow/remedyci/pkg/tracker"
)

// repositoryRef is the minimal shape both provider families carry to
// identify which RepositoryConnection a delivery belongs to.
type repositoryRef struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

// repositoryFullName extracts the repository identifier per spec.md §5.9:
// GitHub carries it at repository.full_name, GitLab at
// project.path_with_namespace.
func repositoryFullName(provider models.Provider, raw []byte) (string, error) {
	var ref repositoryRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("%w: malformed JSON body: %v", errs.ErrInputRejected, err)
	}
	switch provider {
	case models.ProviderGitHub:
		if ref.Repository.FullName == "" {
			return "", fmt.Errorf("%w: missing repository.full_name", errs.ErrInputRejected)
		}
		return ref.Repository.FullName, nil
	case models.ProviderGitLab:
		if ref.Project.PathWithNamespace == "" {
			return "", fmt.Errorf("%w: missing project.path_with_namespace", errs.ErrInputRejected)
		}
		return ref.Project.PathWithNamespace, nil
	default:
		return "", fmt.Errorf("%w: unsupported provider %q", errs.ErrInputRejected, provider)
	}
}

// githubWorkflowRunPayload mirrors the workflow_run webhook fields the
// tracker depends on (spec.md §5.9). An absent run id leaves
// tracker.Event.ProviderRunID empty, and the ingest server then does not
// hand the event to the tracker; any other absent field only leaves the
// corresponding tracker.Event field empty.
type githubWorkflowRunPayload struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		ID            int64  `json:"id"`
		Name          string `json:"name"`
		HeadBranch    string `json:"head_branch"`
		HeadSHA       string `json:"head_sha"`
		Status        string `json:"status"`
		Conclusion    string `json:"conclusion"`
		HTMLURL       string `json:"html_url"`
		HeadCommit    struct {
			Message string `json:"message"`
		} `json:"head_commit"`
		Actor struct {
			Login string `json:"login"`
		} `json:"actor"`
	} `json:"workflow_run"`
}

// gitlabPipelinePayload mirrors GitLab's pipeline event, the one-to-one
// analogue of GitHub's workflow_run (spec.md §5.9).
type gitlabPipelinePayload struct {
	ObjectAttributes struct {
		ID     int64  `json:"id"`
		Ref    string `json:"ref"`
		SHA    string `json:"sha"`
		Status string `json:"status"`
		URL    string `json:"url"`
	} `json:"object_attributes"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"commit"`
}

// toTrackerEvent normalizes a raw provider payload into a tracker.Event.
// eventType is the provider's event-kind header value (e.g.
// "workflow_run", "pipeline"); payloads for any other event type are
// treated as observability breadcrumbs with Status left empty, per
// spec.md §5.6 "other events".
func toTrackerEvent(provider models.Provider, repoConnID, eventType string, raw []byte) (tracker.Event, error) {
	ev := tracker.Event{RepositoryConnectionID: repoConnID, RawPayload: raw}

	switch provider {
	case models.ProviderGitHub:
		if eventType != "workflow_run" {
			return ev, nil
		}
		var p githubWorkflowRunPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return tracker.Event{}, fmt.Errorf("%w: malformed workflow_run payload: %v", errs.ErrInputRejected, err)
		}
		if p.WorkflowRun.ID == 0 {
			return ev, nil
		}
		ev.ProviderRunID = fmt.Sprintf("%d", p.WorkflowRun.ID)
		ev.Status = githubRunStatus(p.WorkflowRun.Status, p.WorkflowRun.Conclusion)
		ev.Conclusion = p.WorkflowRun.Conclusion
		ev.Branch = p.WorkflowRun.HeadBranch
		ev.CommitSHA = p.WorkflowRun.HeadSHA
		ev.CommitMessage = p.WorkflowRun.HeadCommit.Message
		ev.Author = p.WorkflowRun.Actor.Login
		ev.RunURL = p.WorkflowRun.HTMLURL
		return ev, nil

	case models.ProviderGitLab:
		if eventType != "pipeline" {
			return ev, nil
		}
		var p gitlabPipelinePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return tracker.Event{}, fmt.Errorf("%w: malformed pipeline payload: %v", errs.ErrInputRejected, err)
		}
		if p.ObjectAttributes.ID == 0 {
			return ev, nil
		}
		ev.ProviderRunID = fmt.Sprintf("%d", p.ObjectAttributes.ID)
		ev.Status = gitlabRunStatus(p.ObjectAttributes.Status)
		ev.Conclusion = p.ObjectAttributes.Status
		ev.Branch = p.ObjectAttributes.Ref
		ev.CommitSHA = p.ObjectAttributes.SHA
		ev.CommitMessage = p.Commit.Message
		ev.Author = p.Commit.Author.Name
		ev.RunURL = p.ObjectAttributes.URL
		return ev, nil

	default:
		return tracker.Event{}, fmt.Errorf("%w: unsupported provider %q", errs.ErrInputRejected, provider)
	}
}

func githubRunStatus(status, conclusion string) models.WorkflowRunStatus {
	if status != "completed" {
		if status == "queued" {
			return models.WorkflowRunQueued
		}
		return models.WorkflowRunRunning
	}
	switch conclusion {
	case "success":
		return models.WorkflowRunSuccess
	case "cancelled":
		return models.WorkflowRunCancelled
	default:
		return models.WorkflowRunFailed
	}
}

func gitlabRunStatus(status string) models.WorkflowRunStatus {
	switch status {
	case "success":
		return models.WorkflowRunSuccess
	case "canceled", "cancelled":
		return models.WorkflowRunCancelled
	case "pending", "created":
		return models.WorkflowRunQueued
	case "running":
		return models.WorkflowRunRunning
	default:
		return models.WorkflowRunFailed
	}
}
