package provider

import (
	"context"
	"fmt"

	"github.com/zllovesuki/lighthouse/server"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// kubernetesHandler provisions a hostNetwork Deployment pinned to a
// specific node of an existing cluster
type kubernetesHandler struct {
	*baseHandler
	client kubernetes.Interface
}

func newKubernetesHandler(base *baseHandler) (Handler, error) {
	if base.meta.Kubeconfig == "" {
		return nil, fmt.Errorf("provider metadata is missing kubeconfig")
	}
	if base.meta.Hostname == "" {
		return nil, fmt.Errorf("provider metadata is missing hostname")
	}
	cached, err := base.Cache.GetOrCreate(base.Provider.ID, func() (interface{}, error) {
		restConfig, err := clientcmd.RESTConfigFromKubeConfig([]byte(base.meta.Kubeconfig))
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot parse kubeconfig")
		}
		return kubernetes.NewForConfig(restConfig)
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get kubernetes client")
	}
	return &kubernetesHandler{
		baseHandler: base,
		client:      cached.(kubernetes.Interface),
	}, nil
}

func (h *kubernetesHandler) namespace() string {
	if h.meta.Namespace != "" {
		return h.meta.Namespace
	}
	return corev1.NamespaceDefault
}

func (h *kubernetesHandler) CreateInstance(ctx context.Context, srv *server.Server) error {
	if err := h.prepare(ctx, srv); err != nil {
		return err
	}

	name := resourceName(srv)
	labels := map[string]string{
		"app":      "lighthouse",
		"serverId": srv.ID,
	}
	replicas := int32(1)
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: labels,
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					NodeName:      h.meta.Hostname,
					HostNetwork:   true,
					RestartPolicy: corev1.RestartPolicyAlways,
					Containers: []corev1.Container{
						{
							Name:    "game",
							Image:   srv.Image,
							Command: []string{"sh", "-c"},
							Args:    []string{h.args(srv)},
						},
					},
				},
			},
		},
	}

	_, err := h.client.AppsV1().Deployments(h.namespace()).Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil {
		h.cleanup(ctx, srv)
		return extErrors.Wrap(err, "Cannot create deployment")
	}

	srv.IP = h.meta.NodeIP
	h.logger.Info("Deployment created",
		zap.String("ServerID", srv.ID),
		zap.String("Deployment", name),
		zap.String("Node", h.meta.Hostname),
	)
	return nil
}

func (h *kubernetesHandler) DestroyInstance(ctx context.Context, srv *server.Server) error {
	name := resourceName(srv)
	policy := metav1.DeletePropagationForeground
	err := h.client.AppsV1().Deployments(h.namespace()).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	switch {
	case err == nil:
	case k8sErrors.IsNotFound(err):
		h.logger.Warn("Deployment already absent",
			zap.String("ServerID", srv.ID),
			zap.String("Deployment", name),
		)
	default:
		return extErrors.Wrap(err, "Cannot delete deployment")
	}
	h.releasePort(ctx, srv)
	return nil
}
