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

package tracker

import (
	"encoding/json"
	"fmt"
)

// RemediationTask is the message published to the remediation-tasks topic
// when the state machine opens an incident eligible for auto-remediation.
type RemediationTask struct {
	IncidentID             string `json:"incident_id"`
	RepositoryConnectionID string `json:"repository_connection_id"`
}

// Marshal encodes the task for transport on the queue.
func (t RemediationTask) Marshal() ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal remediation task: %w", err)
	}
	return b, nil
}

// UnmarshalRemediationTask decodes a task payload pulled off the queue.
func UnmarshalRemediationTask(payload []byte) (RemediationTask, error) {
	var t RemediationTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return RemediationTask{}, fmt.Errorf("failed to unmarshal remediation task: %w", err)
	}
	return t, nil
}
