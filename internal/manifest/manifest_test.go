package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/kube-audit/internal/audit"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func checksFor(report *Report, name string) []audit.Check {
	var checks []audit.Check
	for _, finding := range report.Findings {
		if finding.Name == name {
			checks = append(checks, finding.Check)
		}
	}
	return checks
}

func TestAuditStressDeploymentWithVPA(t *testing.T) {
	t.Parallel()

	report, err := Audit([]string{filepath.Join("testdata", "stress-vpa.yaml")}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Files)
	assert.Equal(t, 2, report.Objects)
	assert.Zero(t, report.Skipped)
	assert.Empty(t, checksFor(report, "stress-vpa"), "VPA should be valid")
	assert.Equal(t, []audit.Check{audit.CheckMissingHealthProbes, audit.CheckWritableRootFilesystem}, checksFor(report, "stress"))

	for _, finding := range report.Findings {
		assert.Equal(t, "default", finding.Namespace)
		assert.Equal(t, 1, finding.Document)
	}
}

func TestAuditHealthCheckDeployment(t *testing.T) {
	t.Parallel()

	path := filepath.Join("testdata", "health", "health-check.yaml")

	report, err := Audit([]string{path}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Objects)
	assert.Equal(t, 1, report.Skipped, "Service should be skipped")
	require.Len(t, report.Findings, 1)
	assert.Equal(t, Finding{
		File:      path,
		Document:  0,
		Kind:      "Deployment",
		Namespace: "web",
		Name:      "health-check",
		Container: "sidecar",
		Check:     audit.CheckWritableRootFilesystem,
		Message:   "securityContext.readOnlyRootFilesystem is not true",
	}, report.Findings[0])

	strict, err := Audit([]string{path}, Options{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, []audit.Check{audit.CheckMissingReadinessProbe, audit.CheckWritableRootFilesystem}, checksFor(strict, "health-check"))
}

func TestAuditDirectoryRecursion(t *testing.T) {
	t.Parallel()

	shallow, err := Audit([]string{"testdata"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, shallow.Files)

	deep, err := Audit([]string{"testdata"}, Options{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, 2, deep.Files)
	assert.Equal(t, 3, deep.Objects)
}

func TestAuditVPAValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeManifest(t, dir, "vpa.yaml", `
apiVersion: apps/v1
kind: StatefulSet
metadata:
  name: db
  namespace: data
spec:
  selector:
    matchLabels: {app: db}
  template:
    metadata:
      labels: {app: db}
    spec:
      containers:
        - name: postgres
          image: postgres:16
          readinessProbe:
            tcpSocket: {port: 5432}
          resources:
            requests: {cpu: 250m}
          securityContext:
            readOnlyRootFilesystem: true
---
apiVersion: autoscaling.k8s.io/v1
kind: VerticalPodAutoscaler
metadata:
  name: db
  namespace: data
spec:
  targetRef: {apiVersion: apps/v1, kind: StatefulSet, name: db}
  updatePolicy: {updateMode: Sometimes}
  resourcePolicy:
    containerPolicies:
      - containerName: pgbouncer
      - containerName: postgres
        minAllowed: {cpu: "2", memory: 1Gi}
        maxAllowed: {cpu: 500m, memory: 2Gi}
---
apiVersion: autoscaling.k8s.io/v1
kind: VerticalPodAutoscaler
metadata:
  name: missing
spec:
  targetRef: {apiVersion: apps/v1, kind: Deployment, name: db}
---
apiVersion: autoscaling.k8s.io/v1
kind: VerticalPodAutoscaler
metadata:
  name: cron
  namespace: data
spec:
  targetRef: {apiVersion: batch/v1, kind: CronJob, name: nightly}
---
apiVersion: autoscaling.k8s.io/v1
kind: VerticalPodAutoscaler
metadata:
  name: untargeted
  namespace: data
spec: {}
`)

	report, err := Audit([]string{path}, Options{})
	require.NoError(t, err)

	var dbVPA []Finding
	for _, finding := range report.Findings {
		if finding.Kind == "VerticalPodAutoscaler" && finding.Name == "db" {
			dbVPA = append(dbVPA, finding)
		}
	}
	require.Len(t, dbVPA, 3)
	assert.Equal(t, CheckVPAUpdateMode, dbVPA[0].Check)
	assert.Equal(t, "pgbouncer", dbVPA[1].Container)
	assert.Equal(t, CheckVPAContainerName, dbVPA[1].Check)
	assert.Equal(t, "postgres", dbVPA[2].Container)
	assert.Equal(t, CheckVPABounds, dbVPA[2].Check)
	assert.Contains(t, dbVPA[2].Message, "cpu")

	assert.Equal(t, []audit.Check{CheckVPATargetNotFound}, checksFor(report, "missing"))
	assert.Equal(t, []audit.Check{CheckVPATargetRef}, checksFor(report, "cron"))
	assert.Equal(t, []audit.Check{CheckVPATargetRef}, checksFor(report, "untargeted"))
}

func TestAuditMalformedDocument(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeManifest(t, dir, "broken.yaml", `
apiVersion: v1
kind: ConfigMap
metadata:
  name: fine
---
kind: Deployment
spec: [unterminated
`)

	_, err := Audit([]string{path}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
	assert.Contains(t, err.Error(), "document 1")
}

func TestAuditRejectsMissingKindAndPaths(t *testing.T) {
	t.Parallel()

	_, err := Audit(nil, Options{})
	require.Error(t, err)

	dir := t.TempDir()
	path := writeManifest(t, dir, "nokind.yaml", "metadata:\n  name: anonymous\n")
	_, err = Audit([]string{path}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no kind")

	_, err = Audit([]string{filepath.Join(dir, "absent.yaml")}, Options{})
	require.Error(t, err)
}

func TestIsEmptyDocument(t *testing.T) {
	t.Parallel()

	assert.True(t, isEmptyDocument([]byte("\n# only a comment\n")))
	assert.True(t, isEmptyDocument([]byte("---\n")))
	assert.True(t, isEmptyDocument([]byte("null\n")))
	assert.False(t, isEmptyDocument([]byte("kind: Pod\n")))
}
