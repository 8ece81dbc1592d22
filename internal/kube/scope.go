package kube

import (
	"context"
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ErrConflictingScope is returned when explicit namespaces are combined with
// an all-namespaces request.
var ErrConflictingScope = errors.New("--namespaces and --all-namespaces are mutually exclusive")

// Scope describes which namespaces an audit covers.
type Scope struct {
	Namespaces    []string `json:"namespaces,omitempty"`
	AllNamespaces bool     `json:"allNamespaces,omitempty"`
}

// Validate reports whether the scope is self-consistent.
func (s Scope) Validate() error {
	if s.AllNamespaces && len(s.normalized()) > 0 {
		return ErrConflictingScope
	}
	return nil
}

// Resolve returns the namespaces to query. All namespaces are represented by a
// single metav1.NamespaceAll entry; an empty scope resolves to defaultNamespace.
func (s Scope) Resolve(defaultNamespace string) ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.AllNamespaces {
		return []string{metav1.NamespaceAll}, nil
	}

	namespaces := s.normalized()
	if len(namespaces) > 0 {
		return namespaces, nil
	}
	if defaultNamespace == "" {
		return nil, fmt.Errorf("assertion failed: default namespace must not be empty")
	}
	return []string{defaultNamespace}, nil
}

func (s Scope) normalized() []string {
	seen := make(map[string]struct{}, len(s.Namespaces))
	out := make([]string, 0, len(s.Namespaces))
	for _, entry := range s.Namespaces {
		// Accept comma separated values in addition to repeated flags.
		for _, namespace := range strings.Split(entry, ",") {
			namespace = strings.TrimSpace(namespace)
			if namespace == "" {
				continue
			}
			if _, ok := seen[namespace]; ok {
				continue
			}
			seen[namespace] = struct{}{}
			out = append(out, namespace)
		}
	}
	return out
}

// ListPods lists the pods of every namespace in order.
func ListPods(ctx context.Context, clientset kubernetes.Interface, namespaces []string) ([]corev1.Pod, error) {
	if clientset == nil {
		return nil, fmt.Errorf("assertion failed: Kubernetes clientset must not be nil")
	}

	var pods []corev1.Pod
	for _, namespace := range namespaces {
		podList, err := clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("list pods in %s: %w", DescribeNamespace(namespace), err)
		}
		pods = append(pods, podList.Items...)
	}
	return pods, nil
}

// DescribeNamespace renders a namespace for error messages, naming
// metav1.NamespaceAll as all namespaces.
func DescribeNamespace(namespace string) string {
	if namespace == metav1.NamespaceAll {
		return "all namespaces"
	}
	return fmt.Sprintf("namespace %q", namespace)
}
