package scaler

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// K8sProvider scales a single worker Deployment through the Scale
// subresource. It never touches the pod template; image, env and resources
// stay whatever the deploy pipeline put there.
type K8sProvider struct {
	Logger     *zap.Logger
	client     kubernetes.Interface
	ns         string
	deployment string
}

var _ Provider = (*K8sProvider)(nil)

// NewK8sProviderFromEnv creates a new K8sProvider using in-cluster config
// when available, falling back to the local kubeconfig.
// Required environment: K8S_NAMESPACE, WORKER_DEPLOYMENT.
func NewK8sProviderFromEnv(logger *zap.Logger) (*K8sProvider, error) {
	log := logger.With(zap.String("component", "k8s_provider"))

	var (
		cfg *rest.Config
		err error
		src string
	)

	if cfg, err = rest.InClusterConfig(); err == nil {
		src = "in_cluster"
	} else {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			log.Error("kube config build failed", zap.Error(err))
			return nil, fmt.Errorf("build kube config: %w", err)
		}
		src = "kubeconfig"
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		log.Error("k8s client init failed", zap.Error(err))
		return nil, fmt.Errorf("k8s client: %w", err)
	}

	ns := mustEnv("K8S_NAMESPACE")
	deployment := mustEnv("WORKER_DEPLOYMENT")

	log.Info("provider initialized",
		zap.String("config_source", src),
		zap.String("namespace", ns),
		zap.String("deployment", deployment),
	)

	return &K8sProvider{
		Logger:     log,
		client:     cs,
		ns:         ns,
		deployment: deployment,
	}, nil
}

// Scale sets the Deployment's replica count via the Scale subresource.
func (p *K8sProvider) Scale(ctx context.Context, replicas int) error {
	start := time.Now()

	curr, err := p.client.AppsV1().Deployments(p.ns).GetScale(ctx, p.deployment, meta.GetOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("worker deployment %s/%s does not exist", p.ns, p.deployment)
	}
	if err != nil {
		p.Logger.Error("scale get failed", zap.String("deployment", p.deployment), zap.Error(err))
		return fmt.Errorf("get scale: %w", err)
	}

	if curr.Spec.Replicas == int32(replicas) {
		p.Logger.Debug("deployment already at desired replicas",
			zap.String("deployment", p.deployment),
			zap.Int("replicas", replicas))
		return nil
	}

	desired := &autoscalingv1.Scale{
		ObjectMeta: curr.ObjectMeta,
		Spec:       autoscalingv1.ScaleSpec{Replicas: int32(replicas)},
	}
	if _, err := p.client.AppsV1().Deployments(p.ns).UpdateScale(ctx, p.deployment, desired, meta.UpdateOptions{}); err != nil {
		p.Logger.Error("scale update failed",
			zap.String("deployment", p.deployment),
			zap.Int("replicas", replicas),
			zap.Error(err))
		return fmt.Errorf("update scale: %w", err)
	}

	p.Logger.Info("scale command issued",
		zap.String("deployment", p.deployment),
		zap.Int("replicas", replicas),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Replicas reports how many worker pods the platform currently runs.
func (p *K8sProvider) Replicas(ctx context.Context) (int, error) {
	scale, err := p.client.AppsV1().Deployments(p.ns).GetScale(ctx, p.deployment, meta.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("get scale: %w", err)
	}
	return int(scale.Status.Replicas), nil
}

// Close releases resources associated with the K8sProvider instance.
func (p *K8sProvider) Close() error {
	p.Logger.Info("provider closed")
	return nil
}

// mustEnv panics if the given env var is not set.
func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("missing required env %s", key))
	}
	return v
}
