// Package manifest audits Kubernetes manifests on disk without a cluster. It
// applies the pod-level audit checks to workload templates and validates that
// VerticalPodAutoscalers reference workloads in the same bundle.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	vpav1 "k8s.io/autoscaler/vertical-pod-autoscaler/pkg/apis/autoscaling.k8s.io/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/yaml"

	"github.com/coder/kube-audit/internal/audit"
)

var manifestLog = ctrl.Log.WithName("manifest")

// Options configures Audit.
type Options struct {
	// Recursive descends into subdirectories of directory arguments.
	Recursive bool
	// Strict enables per-container probe findings.
	Strict bool
}

// Finding is one violation found in a manifest document.
type Finding struct {
	File      string      `json:"file"`
	Document  int         `json:"document"`
	Kind      string      `json:"kind"`
	Namespace string      `json:"namespace"`
	Name      string      `json:"name"`
	Container string      `json:"container,omitempty"`
	Init      bool        `json:"init,omitempty"`
	Check     audit.Check `json:"check"`
	Message   string      `json:"message"`
}

// Report is the output of Audit.
type Report struct {
	Files    int       `json:"files"`
	Objects  int       `json:"objects"`
	Skipped  int       `json:"skipped"`
	Findings []Finding `json:"findings"`
}

// object is a decoded document that Audit understands.
type object struct {
	file      string
	document  int
	kind      string
	namespace string
	name      string
	podSpec   *corev1.PodSpec
	vpa       *vpav1.VerticalPodAutoscaler
}

type objectKey struct {
	namespace string
	kind      string
	name      string
}

// Audit reads every manifest under paths and reports findings.
func Audit(paths []string, opts Options) (*Report, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one manifest path is required")
	}

	files, err := collectFiles(paths, opts.Recursive)
	if err != nil {
		return nil, err
	}

	report := &Report{Files: len(files), Findings: []Finding{}}
	var objects []object
	for _, file := range files {
		decoded, skipped, err := decodeFile(file)
		if err != nil {
			return nil, err
		}
		objects = append(objects, decoded...)
		report.Skipped += skipped
	}
	report.Objects = len(objects)

	workloads := map[objectKey]*corev1.PodSpec{}
	for i := range objects {
		if objects[i].podSpec != nil {
			workloads[objectKey{namespace: objects[i].namespace, kind: objects[i].kind, name: objects[i].name}] = objects[i].podSpec
		}
	}

	for i := range objects {
		obj := &objects[i]
		switch {
		case obj.podSpec != nil:
			for _, finding := range audit.PodSpecFindings(obj.podSpec, opts.Strict) {
				report.Findings = append(report.Findings, obj.finding(finding.Container, finding.Init, finding.Check, finding.Message))
			}
		case obj.vpa != nil:
			report.Findings = append(report.Findings, validateVPA(obj, workloads)...)
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		a, b := report.Findings[i], report.Findings[j]
		switch {
		case a.File != b.File:
			return a.File < b.File
		case a.Document != b.Document:
			return a.Document < b.Document
		case a.Container != b.Container:
			return a.Container < b.Container
		default:
			return a.Check < b.Check
		}
	})
	return report, nil
}

func (o *object) finding(container string, init bool, check audit.Check, message string) Finding {
	return Finding{
		File:      o.file,
		Document:  o.document,
		Kind:      o.kind,
		Namespace: o.namespace,
		Name:      o.name,
		Container: container,
		Init:      init,
		Check:     check,
		Message:   message,
	}
}

func collectFiles(paths []string, recursive bool) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		err = filepath.WalkDir(path, func(current string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				if current != path && !recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if isManifestFile(current) {
				files = append(files, current)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", path, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func isManifestFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

func decodeFile(path string) ([]object, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	return decode(path, f)
}

func decode(path string, r io.Reader) ([]object, int, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(r))

	var (
		objects []object
		skipped int
	)
	for document := 0; ; document++ {
		raw, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%s: read document %d: %w", path, document, err)
		}
		if isEmptyDocument(raw) {
			continue
		}

		obj, ok, err := decodeDocument(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: document %d: %w", path, document, err)
		}
		if !ok {
			skipped++
			continue
		}
		obj.file = path
		obj.document = document
		if obj.namespace == "" {
			obj.namespace = metav1.NamespaceDefault
		}
		objects = append(objects, obj)
	}
	return objects, skipped, nil
}

func isEmptyDocument(raw []byte) bool {
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' || bytes.Equal(line, []byte("---")) {
			continue
		}
		return bytes.Equal(line, []byte("null")) || bytes.Equal(line, []byte("~"))
	}
	return true
}

func decodeDocument(raw []byte) (object, bool, error) {
	var typeMeta metav1.TypeMeta
	if err := yaml.Unmarshal(raw, &typeMeta); err != nil {
		return object{}, false, fmt.Errorf("decode type metadata: %w", err)
	}
	if typeMeta.Kind == "" {
		return object{}, false, fmt.Errorf("object has no kind")
	}

	switch typeMeta.Kind {
	case "Deployment":
		var deployment appsv1.Deployment
		if err := yaml.Unmarshal(raw, &deployment); err != nil {
			return object{}, false, fmt.Errorf("decode Deployment: %w", err)
		}
		return workloadObject(typeMeta.Kind, deployment.ObjectMeta, &deployment.Spec.Template.Spec), true, nil
	case "StatefulSet":
		var statefulSet appsv1.StatefulSet
		if err := yaml.Unmarshal(raw, &statefulSet); err != nil {
			return object{}, false, fmt.Errorf("decode StatefulSet: %w", err)
		}
		return workloadObject(typeMeta.Kind, statefulSet.ObjectMeta, &statefulSet.Spec.Template.Spec), true, nil
	case "DaemonSet":
		var daemonSet appsv1.DaemonSet
		if err := yaml.Unmarshal(raw, &daemonSet); err != nil {
			return object{}, false, fmt.Errorf("decode DaemonSet: %w", err)
		}
		return workloadObject(typeMeta.Kind, daemonSet.ObjectMeta, &daemonSet.Spec.Template.Spec), true, nil
	case "Pod":
		var pod corev1.Pod
		if err := yaml.Unmarshal(raw, &pod); err != nil {
			return object{}, false, fmt.Errorf("decode Pod: %w", err)
		}
		return workloadObject(typeMeta.Kind, pod.ObjectMeta, &pod.Spec), true, nil
	case "VerticalPodAutoscaler":
		var vpa vpav1.VerticalPodAutoscaler
		if err := yaml.Unmarshal(raw, &vpa); err != nil {
			return object{}, false, fmt.Errorf("decode VerticalPodAutoscaler: %w", err)
		}
		return object{
			kind:      typeMeta.Kind,
			namespace: vpa.Namespace,
			name:      vpa.Name,
			vpa:       &vpa,
		}, true, nil
	default:
		manifestLog.V(1).Info("skipping unsupported kind", "apiVersion", typeMeta.APIVersion, "kind", typeMeta.Kind)
		return object{}, false, nil
	}
}

func workloadObject(kind string, meta metav1.ObjectMeta, spec *corev1.PodSpec) object {
	return object{
		kind:      kind,
		namespace: meta.Namespace,
		name:      meta.Name,
		podSpec:   spec,
	}
}
