package watch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

// KubeSource streams pod state observations from the Kubernetes API.
type KubeSource struct {
	client    kubernetes.Interface
	namespace string
	now       func() time.Time
}

// NewKubeSource watches pods in namespace; empty means all namespaces.
func NewKubeSource(client kubernetes.Interface, namespace string) *KubeSource {
	return &KubeSource{client: client, namespace: namespace, now: time.Now}
}

// BuildClient constructs a Kubernetes client from an explicit kubeconfig
// path, the KUBECONFIG environment variable, in-cluster credentials, or the
// default kubeconfig location, in that order.
func BuildClient(kubeconfigPath string) (kubernetes.Interface, error) {
	var cfg *rest.Config
	var err error
	switch {
	case kubeconfigPath != "":
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	case os.Getenv("KUBECONFIG") != "":
		cfg, err = clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
	default:
		cfg, err = rest.InClusterConfig()
		if err != nil {
			cfg, err = clientcmd.BuildConfigFromFlags("", os.Getenv("HOME")+"/.kube/config")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

// Subscribe opens a pod watch from resumeToken and delivers observations
// until the stream ends. A 410 Gone from the API server means the token has
// aged out of etcd history and the caller must resync.
func (s *KubeSource) Subscribe(ctx context.Context, resumeToken string, out chan<- models.PodStateEvent) error {
	w, err := s.client.CoreV1().Pods(s.namespace).Watch(ctx, metav1.ListOptions{
		ResourceVersion:     resumeToken,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
			return utils.ErrResyncRequired
		}
		return utils.Transient("watch.subscribe", err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.ResultChan():
			if !ok {
				return utils.Transient("watch.stream", errors.New("result channel closed"))
			}
			if err := s.handle(ctx, event, out); err != nil {
				return err
			}
		}
	}
}

func (s *KubeSource) handle(ctx context.Context, event watch.Event, out chan<- models.PodStateEvent) error {
	switch event.Type {
	case watch.Error:
		if status, ok := event.Object.(*metav1.Status); ok {
			if status.Code == http.StatusGone || status.Reason == metav1.StatusReasonExpired {
				return utils.ErrResyncRequired
			}
			return utils.Transient("watch.stream", fmt.Errorf("server error: %s", status.Message))
		}
		return utils.Transient("watch.stream", errors.New("unrecognized error object"))
	case watch.Bookmark:
		if pod, ok := event.Object.(*corev1.Pod); ok {
			s.deliver(ctx, out, models.PodStateEvent{ResumeToken: pod.ResourceVersion})
		}
		return nil
	case watch.Added, watch.Modified, watch.Deleted:
		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			return nil
		}
		for _, observation := range s.inspect(pod, event.Type == watch.Deleted) {
			s.deliver(ctx, out, observation)
		}
		return nil
	default:
		return nil
	}
}

func (s *KubeSource) deliver(ctx context.Context, out chan<- models.PodStateEvent, event models.PodStateEvent) {
	select {
	case out <- event:
	case <-ctx.Done():
	}
}

// inspect extracts pod state observations from one pod object. Every result
// carries the pod's resource version so the watch can resume after it. Pods
// with no failing state still produce one empty-reason observation; the
// allow-list filters it while the resume token still advances.
func (s *KubeSource) inspect(pod *corev1.Pod, deleted bool) []models.PodStateEvent {
	base := models.PodStateEvent{
		PodName:     pod.Name,
		Namespace:   pod.Namespace,
		Phase:       string(pod.Status.Phase),
		NodeName:    pod.Spec.NodeName,
		Labels:      pod.Labels,
		ObservedAt:  s.now(),
		ResumeToken: pod.ResourceVersion,
	}

	var observations []models.PodStateEvent
	for _, cs := range pod.Status.ContainerStatuses {
		if waiting := cs.State.Waiting; waiting != nil && waiting.Reason != "" {
			observation := base
			observation.Reason = waiting.Reason
			observation.Message = waiting.Message
			observation.StatusType = models.StateWaiting
			observation.RestartCount = cs.RestartCount
			observations = append(observations, observation)
		}
		if terminated := cs.State.Terminated; terminated != nil && terminated.ExitCode != 0 {
			observation := base
			observation.Reason = terminated.Reason
			if observation.Reason == "" {
				observation.Reason = "Error"
			}
			observation.Message = terminated.Message
			observation.StatusType = models.StateTerminated
			observation.RestartCount = cs.RestartCount
			observations = append(observations, observation)
		}
	}
	if pod.Status.Phase == corev1.PodFailed {
		observation := base
		observation.Reason = pod.Status.Reason
		if observation.Reason == "" {
			observation.Reason = "Failed"
		}
		observation.Message = pod.Status.Message
		observation.StatusType = models.StatePhase
		observations = append(observations, observation)
	}

	if deleted {
		// A healthy pod removal is not a failure; only forward deletions
		// that were already in a failing state.
		for i := range observations {
			observations[i].StatusType = models.StateDeleted
		}
		return observations
	}

	if len(observations) == 0 {
		return []models.PodStateEvent{base}
	}
	return observations
}

// Resync lists all pods and returns the failing observations plus the list's
// resource version as the fresh resume token.
func (s *KubeSource) Resync(ctx context.Context) ([]models.PodStateEvent, string, error) {
	list, err := s.client.CoreV1().Pods(s.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, "", utils.Transient("watch.resync", err)
	}

	var observations []models.PodStateEvent
	for i := range list.Items {
		for _, observation := range s.inspect(&list.Items[i], false) {
			if observation.Reason == "" {
				continue
			}
			observations = append(observations, observation)
		}
	}
	return observations, list.ResourceVersion, nil
}
