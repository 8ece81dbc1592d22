package manifest

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	vpav1 "k8s.io/autoscaler/vertical-pod-autoscaler/pkg/apis/autoscaling.k8s.io/v1"

	"github.com/coder/kube-audit/internal/audit"
)

const (
	// CheckVPATargetRef flags a VPA without a usable targetRef.
	CheckVPATargetRef audit.Check = "vpa-target-ref"
	// CheckVPATargetNotFound flags a VPA whose target is not in the bundle.
	CheckVPATargetNotFound audit.Check = "vpa-target-not-found"
	// CheckVPAUpdateMode flags an unknown updatePolicy.updateMode.
	CheckVPAUpdateMode audit.Check = "vpa-update-mode"
	// CheckVPABounds flags a container policy whose minAllowed exceeds
	// maxAllowed.
	CheckVPABounds audit.Check = "vpa-bounds"
	// CheckVPAContainerName flags a container policy naming a container the
	// target does not run.
	CheckVPAContainerName audit.Check = "vpa-container-name"
)

var validUpdateModes = map[string]struct{}{
	"Off":               {},
	"Initial":           {},
	"Recreate":          {},
	"Auto":              {},
	"InPlaceOrRecreate": {},
}

var supportedTargetKinds = map[string]struct{}{
	"Deployment":  {},
	"StatefulSet": {},
	"DaemonSet":   {},
}

func validateVPA(obj *object, workloads map[objectKey]*corev1.PodSpec) []Finding {
	vpa := obj.vpa
	var findings []Finding

	if vpa.Spec.UpdatePolicy != nil && vpa.Spec.UpdatePolicy.UpdateMode != nil {
		mode := string(*vpa.Spec.UpdatePolicy.UpdateMode)
		if _, ok := validUpdateModes[mode]; !ok {
			findings = append(findings, obj.finding("", false, CheckVPAUpdateMode, fmt.Sprintf("unknown update mode %q", mode)))
		}
	}

	var target *corev1.PodSpec
	ref := vpa.Spec.TargetRef
	switch {
	case ref == nil || ref.Name == "" || ref.Kind == "":
		findings = append(findings, obj.finding("", false, CheckVPATargetRef, "spec.targetRef must name a kind and a name"))
	default:
		if _, ok := supportedTargetKinds[ref.Kind]; !ok {
			findings = append(findings, obj.finding("", false, CheckVPATargetRef, fmt.Sprintf("target kind %q is not a Deployment, StatefulSet, or DaemonSet", ref.Kind)))
			break
		}
		spec, ok := workloads[objectKey{namespace: obj.namespace, kind: ref.Kind, name: ref.Name}]
		if !ok {
			findings = append(findings, obj.finding("", false, CheckVPATargetNotFound, fmt.Sprintf("%s %s/%s is not defined in the audited manifests", ref.Kind, obj.namespace, ref.Name)))
			break
		}
		target = spec
	}

	if vpa.Spec.ResourcePolicy == nil {
		return findings
	}
	for _, policy := range vpa.Spec.ResourcePolicy.ContainerPolicies {
		if policy.ContainerName != vpav1.DefaultContainerResourcePolicy && target != nil && !hasContainer(target, policy.ContainerName) {
			findings = append(findings, obj.finding(policy.ContainerName, false, CheckVPAContainerName, "container policy names a container the target does not run"))
		}
		for _, name := range []corev1.ResourceName{corev1.ResourceCPU, corev1.ResourceMemory} {
			minimum, hasMin := policy.MinAllowed[name]
			maximum, hasMax := policy.MaxAllowed[name]
			if hasMin && hasMax && minimum.Cmp(maximum) > 0 {
				findings = append(findings, obj.finding(policy.ContainerName, false, CheckVPABounds,
					fmt.Sprintf("minAllowed %s %s exceeds maxAllowed %s", name, minimum.String(), maximum.String())))
			}
		}
	}
	return findings
}

func hasContainer(spec *corev1.PodSpec, name string) bool {
	for i := range spec.Containers {
		if spec.Containers[i].Name == name {
			return true
		}
	}
	return false
}
