package controller

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coder/kube-audit/internal/audit"
)

const findingsMetricName = "kube_audit_findings"

// FindingMetrics exposes one gauge series per open audit finding.
type FindingMetrics struct {
	findings *prometheus.GaugeVec
}

// NewFindingMetrics creates the finding gauges and registers them on
// registerer.
func NewFindingMetrics(registerer prometheus.Registerer) (*FindingMetrics, error) {
	if registerer == nil {
		return nil, fmt.Errorf("assertion failed: metrics registerer must not be nil")
	}

	m := &FindingMetrics{
		findings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: findingsMetricName,
				Help: "Open audit findings by pod, container, and check. The value is always 1.",
			},
			[]string{"namespace", "pod", "container", "check"},
		),
	}
	if err := registerer.Register(m.findings); err != nil {
		return nil, fmt.Errorf("register %s: %w", findingsMetricName, err)
	}
	return m, nil
}

// SetPod replaces every series of a pod with findings.
func (m *FindingMetrics) SetPod(namespace, pod string, findings []audit.ContainerFinding) {
	m.DeletePod(namespace, pod)
	for _, finding := range findings {
		m.findings.WithLabelValues(namespace, pod, finding.Container, string(finding.Check)).Set(1)
	}
}

// DeletePod removes every series of a pod.
func (m *FindingMetrics) DeletePod(namespace, pod string) {
	m.findings.DeletePartialMatch(prometheus.Labels{"namespace": namespace, "pod": pod})
}
