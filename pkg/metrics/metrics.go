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

// Package metrics is the ambient instrumentation layer (C9): counters and
// histograms for every pipeline stage, exposed on /metrics for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram the pipeline emits. All are
// registered against a private registry so tests can construct an isolated
// instance without colliding with prometheus.DefaultRegisterer.
type Metrics struct {
	registry *prometheus.Registry

	WebhooksReceived   *prometheus.CounterVec
	WebhooksRejected   *prometheus.CounterVec
	WorkflowRunsUpserted *prometheus.CounterVec
	IncidentsOpened    *prometheus.CounterVec
	RemediationsStarted *prometheus.CounterVec
	RemediationsSucceeded *prometheus.CounterVec
	RemediationsFailed *prometheus.CounterVec
	RemediationDuration *prometheus.HistogramVec
	ProviderCallDuration *prometheus.HistogramVec
	ProviderCallRetries *prometheus.CounterVec
}

// New registers and returns a fresh Metrics instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyci",
			Name:      "webhooks_received_total",
			Help:      "Webhook deliveries received, labeled by provider.",
		}, []string{"provider"}),

		WebhooksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyci",
			Name:      "webhooks_rejected_total",
			Help:      "Webhook deliveries rejected, labeled by provider and reason.",
		}, []string{"provider", "reason"}),

		WorkflowRunsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyci",
			Name:      "workflow_runs_upserted_total",
			Help:      "Workflow run records upserted, labeled by status.",
		}, []string{"status"}),

		IncidentsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyci",
			Name:      "incidents_opened_total",
			Help:      "Incidents opened, labeled by severity.",
		}, []string{"severity"}),

		RemediationsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyci",
			Name:      "remediations_started_total",
			Help:      "Remediation attempts started.",
		}, []string{"provider"}),

		RemediationsSucceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyci",
			Name:      "remediations_succeeded_total",
			Help:      "Remediation attempts that resulted in an opened pull request.",
		}, []string{"provider"}),

		RemediationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyci",
			Name:      "remediations_failed_total",
			Help:      "Remediation attempts that terminated without a pull request, labeled by failure reason.",
		}, []string{"reason"}),

		RemediationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "remedyci",
			Name:      "remediation_duration_seconds",
			Help:      "Wall-clock time from remediation start to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"outcome"}),

		ProviderCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "remedyci",
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of outbound provider API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		ProviderCallRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyci",
			Name:      "provider_call_retries_total",
			Help:      "Retry attempts made against the provider API.",
		}, []string{"operation"}),
	}
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
