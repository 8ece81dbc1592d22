package audit_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/coder/kube-audit/internal/audit"
)

func TestDescribeProbe(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", audit.DescribeProbe(nil))
	require.Equal(t, "httpGet https://:8443/ready", audit.DescribeProbe(&corev1.Probe{ProbeHandler: corev1.ProbeHandler{
		HTTPGet: &corev1.HTTPGetAction{Path: "/ready", Port: intstr.FromInt(8443), Scheme: corev1.URISchemeHTTPS},
	}}))
	require.Equal(t, "tcpSocket :db", audit.DescribeProbe(&corev1.Probe{ProbeHandler: corev1.ProbeHandler{
		TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromString("db")},
	}}))
	require.Equal(t, "exec cat /tmp/healthy", audit.DescribeProbe(&corev1.Probe{ProbeHandler: corev1.ProbeHandler{
		Exec: &corev1.ExecAction{Command: []string{"cat", "/tmp/healthy"}},
	}}))
	require.Equal(t, "grpc :9090", audit.DescribeProbe(&corev1.Probe{ProbeHandler: corev1.ProbeHandler{
		GRPC: &corev1.GRPCAction{Port: 9090},
	}}))
}

func TestPodSpecFindings(t *testing.T) {
	t.Parallel()

	require.Nil(t, audit.PodSpecFindings(nil, false))

	spec := &corev1.PodSpec{
		Containers: []corev1.Container{
			readOnly(corev1.Container{Name: "app", Resources: resources("100m", "", "", "")}, true),
		},
	}
	findings := audit.PodSpecFindings(spec, false)
	require.Equal(t, []audit.ContainerFinding{{
		Container: "app",
		Check:     audit.CheckMissingHealthProbes,
		Message:   "no container in the pod declares a liveness or readiness probe",
	}}, findings)

	spec.Containers[0].ReadinessProbe = httpProbe("/", 80)
	require.Empty(t, audit.PodSpecFindings(spec, false))

	findings = audit.PodSpecFindings(spec, true)
	require.Len(t, findings, 1)
	require.Equal(t, audit.CheckMissingLivenessProbe, findings[0].Check)
}

func TestHelpers(t *testing.T) {
	t.Parallel()

	require.False(t, audit.IsRunning(nil))
	require.False(t, audit.HasAnyHealthProbe(nil))
	require.False(t, audit.HasReadOnlyRootFilesystem(&corev1.Container{}))
	require.False(t, audit.HasReadOnlyRootFilesystem(nil))
	require.False(t, audit.DeclaresResources(&corev1.Container{}))
	require.True(t, audit.DeclaresResources(&corev1.Container{Resources: resources("", "", "", "1Gi")}))
}
