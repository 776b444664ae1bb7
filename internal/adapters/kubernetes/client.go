package kubernetes

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fish-not-phish/FnBox/internal/config"
	"github.com/fish-not-phish/FnBox/internal/core/functions"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	apiv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"k8s.io/client-go/util/retry"
)

const (
	readinessPollInterval = 2 * time.Second
	deletionWait          = 30 * time.Second
)

type Client struct {
	clientset kubernetes.Interface
	registry  *functions.RuntimeRegistry
	namespace string
	agentPort int32
	lg        zerolog.Logger
}

// New builds a client against the in-cluster config, falling back to the
// local kubeconfig for development.
func New(cfg config.Config, registry *functions.RuntimeRegistry, lg zerolog.Logger) (*Client, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homedir.HomeDir(), ".kube", "config")
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewWithClientset(clientset, cfg, registry, lg), nil
}

// NewWithClientset wires an existing clientset; used by New and by tests.
func NewWithClientset(clientset kubernetes.Interface, cfg config.Config, registry *functions.RuntimeRegistry, lg zerolog.Logger) *Client {
	return &Client{
		clientset: clientset,
		registry:  registry,
		namespace: cfg.Namespace,
		agentPort: int32(cfg.AgentPort),
		lg:        lg.With().Str("adapter", "kubernetes").Logger(),
	}
}

// EnsureNamespace creates the function namespace if it does not exist.
func (c *Client) EnsureNamespace(ctx context.Context) error {
	_, err := c.clientset.CoreV1().Namespaces().Get(ctx, c.namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return fmt.Errorf("read namespace: %w", err)
	}
	ns := &apiv1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: c.namespace}}
	if _, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create namespace: %w", err)
	}
	c.lg.Info().Str("namespace", c.namespace).Msg("created namespace")
	return nil
}

// Deploy provisions the code bundle, workload, service, and autoscaler for
// one function and waits for the workload to become ready.
func (c *Client) Deploy(ctx context.Context, req functions.DeployRequest) (*functions.Deployment, error) {
	image, err := c.registry.Image(req.Runtime)
	if err != nil {
		return nil, err
	}

	deploymentName := workloadName(req.FunctionID)
	serviceName := deploymentName + "-svc"

	c.lg.Info().
		Str("function_id", req.FunctionID).
		Str("deployment", deploymentName).
		Str("image", image).
		Int("dependencies", len(req.Dependencies)).
		Msg("deploying function")

	if err := c.applyConfigMap(ctx, deploymentName, req.Code); err != nil {
		return nil, err
	}
	if err := c.createDeployment(ctx, deploymentName, image, req); err != nil {
		return nil, err
	}
	svc, err := c.createService(ctx, serviceName, deploymentName)
	if err != nil {
		return nil, err
	}
	c.createHPA(ctx, deploymentName)

	budget := time.Duration(functions.ReadinessTimeout(len(req.Dependencies))) * time.Second
	if err := c.waitForReady(ctx, deploymentName, budget); err != nil {
		return nil, err
	}

	podName := ""
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + deploymentName,
	})
	if err == nil && len(pods.Items) > 0 {
		podName = pods.Items[0].Name
	}

	return &functions.Deployment{
		DeploymentName: deploymentName,
		ServiceName:    serviceName,
		ServiceIP:      svc.Spec.ClusterIP,
		PodName:        podName,
		Status:         "running",
	}, nil
}

// Delete tears down the function's cluster objects in reverse creation
// order. Absent sub-resources are tolerated so the call is idempotent.
func (c *Client) Delete(ctx context.Context, deploymentName string) error {
	serviceName := deploymentName + "-svc"
	hpaName := deploymentName + "-hpa"

	if err := c.clientset.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Delete(ctx, hpaName, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete hpa: %w", err)
	}
	if err := c.clientset.CoreV1().Services(c.namespace).Delete(ctx, serviceName, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}

	policy := metav1.DeletePropagationForeground
	grace := int64(5)
	err := c.clientset.AppsV1().Deployments(c.namespace).Delete(ctx, deploymentName, metav1.DeleteOptions{
		PropagationPolicy:  &policy,
		GracePeriodSeconds: &grace,
	})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}

	// The config map is only removed once the workload is fully gone so a
	// terminating pod never loses its mounted code.
	deadline := time.Now().Add(deletionWait)
	for time.Now().Before(deadline) {
		_, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, deploymentName, metav1.GetOptions{})
		if errors.IsNotFound(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	if err := c.clientset.CoreV1().ConfigMaps(c.namespace).Delete(ctx, deploymentName, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete configmap: %w", err)
	}

	c.lg.Info().Str("deployment", deploymentName).Msg("deleted function resources")
	return nil
}

// GetStatus returns an administrative snapshot of one workload.
func (c *Client) GetStatus(ctx context.Context, deploymentName string) (*functions.DeploymentStatus, error) {
	deploy, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, deploymentName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return &functions.DeploymentStatus{DeploymentName: deploymentName, Status: "not_found"}, nil
		}
		return nil, fmt.Errorf("read deployment: %w", err)
	}

	ready := deploy.Status.ReadyReplicas
	desired := int32(0)
	if deploy.Spec.Replicas != nil {
		desired = *deploy.Spec.Replicas
	}

	status := "pending"
	if ready > 0 {
		status = "running"
	}

	var podStatuses []functions.PodStatus
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + deploymentName,
	})
	if err == nil {
		for _, pod := range pods.Items {
			ps := functions.PodStatus{
				Name:  pod.Name,
				Phase: string(pod.Status.Phase),
				Ready: len(pod.Status.ContainerStatuses) > 0,
			}
			for _, cs := range pod.Status.ContainerStatuses {
				if !cs.Ready {
					ps.Ready = false
				}
				ps.Restarts += cs.RestartCount
			}
			podStatuses = append(podStatuses, ps)
		}
	}

	return &functions.DeploymentStatus{
		DeploymentName:  deploymentName,
		Status:          status,
		ReadyReplicas:   ready,
		DesiredReplicas: desired,
		Pods:            podStatuses,
	}, nil
}

// List enumerates all function workloads in the namespace.
func (c *Client) List(ctx context.Context) ([]functions.DeploymentInfo, error) {
	deployments, err := c.clientset.AppsV1().Deployments(c.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}

	infos := make([]functions.DeploymentInfo, 0, len(deployments.Items))
	for _, d := range deployments.Items {
		replicas := int32(0)
		if d.Spec.Replicas != nil {
			replicas = *d.Spec.Replicas
		}
		infos = append(infos, functions.DeploymentInfo{
			FunctionID:     d.Labels["function-id"],
			DeploymentName: d.Name,
			Replicas:       replicas,
			ReadyReplicas:  d.Status.ReadyReplicas,
			CreatedAt:      d.CreationTimestamp.Format(time.RFC3339),
		})
	}
	return infos, nil
}

// Scale patches the workload's replica count, retrying on write conflicts.
func (c *Client) Scale(ctx context.Context, deploymentName string, replicas int32) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		deploy, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, deploymentName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		deploy.Spec.Replicas = &replicas
		_, err = c.clientset.AppsV1().Deployments(c.namespace).Update(ctx, deploy, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("scale deployment: %w", err)
	}
	c.lg.Info().Str("deployment", deploymentName).Int32("replicas", replicas).Msg("scaled deployment")
	return nil
}

func (c *Client) applyConfigMap(ctx context.Context, name, code string) error {
	configMap := &apiv1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.namespace},
		Data:       map[string]string{"function.py": code},
	}
	_, err := c.clientset.CoreV1().ConfigMaps(c.namespace).Create(ctx, configMap, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		_, err = c.clientset.CoreV1().ConfigMaps(c.namespace).Update(ctx, configMap, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("apply configmap: %w", err)
	}
	return nil
}

func (c *Client) createDeployment(ctx context.Context, name, image string, req functions.DeployRequest) error {
	labels := map[string]string{
		"app":         name,
		"function-id": req.FunctionID,
		"component":   "function",
	}

	cpuMilli := int64(req.VCPU * 1000)
	container := apiv1.Container{
		Name:            "function",
		Image:           image,
		ImagePullPolicy: apiv1.PullIfNotPresent,
		Ports:           []apiv1.ContainerPort{{ContainerPort: c.agentPort}},
		Resources: apiv1.ResourceRequirements{
			Requests: apiv1.ResourceList{
				apiv1.ResourceMemory:           resource.MustParse(fmt.Sprintf("%dMi", req.MemoryMB)),
				apiv1.ResourceCPU:              *resource.NewMilliQuantity(cpuMilli, resource.DecimalSI),
				apiv1.ResourceEphemeralStorage: resource.MustParse("1Gi"),
			},
			// Limits stay at 1.5x the requests for burst headroom.
			Limits: apiv1.ResourceList{
				apiv1.ResourceMemory:           resource.MustParse(fmt.Sprintf("%dMi", req.MemoryMB*3/2)),
				apiv1.ResourceCPU:              *resource.NewMilliQuantity(cpuMilli*3/2, resource.DecimalSI),
				apiv1.ResourceEphemeralStorage: resource.MustParse("2Gi"),
			},
		},
		Env: []apiv1.EnvVar{
			{Name: "FUNCTION_ID", Value: req.FunctionID},
			{Name: "RUNTIME", Value: req.Runtime},
		},
		VolumeMounts: []apiv1.VolumeMount{{
			Name:      "function-code",
			MountPath: "/app/function.py",
			SubPath:   "function.py",
		}},
		LivenessProbe: &apiv1.Probe{
			ProbeHandler: apiv1.ProbeHandler{
				HTTPGet: &apiv1.HTTPGetAction{Path: "/health", Port: intstr.FromInt32(c.agentPort)},
			},
			InitialDelaySeconds: 10,
			PeriodSeconds:       30,
			TimeoutSeconds:      5,
			FailureThreshold:    3,
		},
		ReadinessProbe: &apiv1.Probe{
			ProbeHandler: apiv1.ProbeHandler{
				HTTPGet: &apiv1.HTTPGetAction{Path: "/health", Port: intstr.FromInt32(c.agentPort)},
			},
			InitialDelaySeconds: 5,
			PeriodSeconds:       15,
			TimeoutSeconds:      3,
			FailureThreshold:    2,
		},
	}

	volumes := []apiv1.Volume{{
		Name: "function-code",
		VolumeSource: apiv1.VolumeSource{
			ConfigMap: &apiv1.ConfigMapVolumeSource{
				LocalObjectReference: apiv1.LocalObjectReference{Name: name},
			},
		},
	}}

	var initContainers []apiv1.Container
	if install := functions.InstallCommand(functions.Family(req.Runtime), req.Dependencies); install != nil {
		sizeLimit := resource.MustParse("1Gi")
		volumes = append(volumes, apiv1.Volume{
			Name: "packages",
			VolumeSource: apiv1.VolumeSource{
				EmptyDir: &apiv1.EmptyDirVolumeSource{SizeLimit: &sizeLimit},
			},
		})
		initContainers = append(initContainers, apiv1.Container{
			Name:    "install-dependencies",
			Image:   image,
			Command: install.Command,
			VolumeMounts: []apiv1.VolumeMount{{
				Name:      "packages",
				MountPath: "/packages",
			}},
			Resources: apiv1.ResourceRequirements{
				Requests: apiv1.ResourceList{
					apiv1.ResourceMemory: resource.MustParse("256Mi"),
					apiv1.ResourceCPU:    resource.MustParse("200m"),
				},
				Limits: apiv1.ResourceList{
					apiv1.ResourceMemory: resource.MustParse("512Mi"),
					apiv1.ResourceCPU:    resource.MustParse("500m"),
				},
			},
		})
		container.VolumeMounts = append(container.VolumeMounts, apiv1.VolumeMount{
			Name:      "packages",
			MountPath: "/packages",
		})
		if install.EnvName != "" {
			container.Env = append(container.Env, apiv1.EnvVar{Name: install.EnvName, Value: install.EnvVal})
		}
	}

	replicas := int32(1)
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.namespace,
			Labels:    map[string]string{"function-id": req.FunctionID},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: apiv1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: apiv1.PodSpec{
					InitContainers: initContainers,
					Containers:     []apiv1.Container{container},
					Volumes:        volumes,
					RestartPolicy:  apiv1.RestartPolicyAlways,
				},
			},
		},
	}

	if _, err := c.clientset.AppsV1().Deployments(c.namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

func (c *Client) createService(ctx context.Context, name, deploymentName string) (*apiv1.Service, error) {
	service := &apiv1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.namespace},
		Spec: apiv1.ServiceSpec{
			Selector: map[string]string{"app": deploymentName},
			Type:     apiv1.ServiceTypeClusterIP,
			Ports: []apiv1.ServicePort{{
				Protocol:   apiv1.ProtocolTCP,
				Port:       c.agentPort,
				TargetPort: intstr.FromInt32(c.agentPort),
			}},
		},
	}

	created, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, service, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		return c.clientset.CoreV1().Services(c.namespace).Get(ctx, name, metav1.GetOptions{})
	}
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return created, nil
}

// createHPA attaches an autoscaler to the workload: 1-5 replicas, 70% CPU /
// 80% memory targets, immediate scale-up, 5 minute scale-down stabilization
// removing one pod per minute. Deploy does not fail when HPA creation fails.
func (c *Client) createHPA(ctx context.Context, deploymentName string) {
	minReplicas := int32(1)
	cpuTarget := int32(70)
	memTarget := int32(80)
	scaleUpWindow := int32(0)
	scaleDownWindow := int32(300)

	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      deploymentName + "-hpa",
			Namespace: c.namespace,
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       deploymentName,
			},
			MinReplicas: &minReplicas,
			MaxReplicas: 5,
			Metrics: []autoscalingv2.MetricSpec{
				{
					Type: autoscalingv2.ResourceMetricSourceType,
					Resource: &autoscalingv2.ResourceMetricSource{
						Name: apiv1.ResourceCPU,
						Target: autoscalingv2.MetricTarget{
							Type:               autoscalingv2.UtilizationMetricType,
							AverageUtilization: &cpuTarget,
						},
					},
				},
				{
					Type: autoscalingv2.ResourceMetricSourceType,
					Resource: &autoscalingv2.ResourceMetricSource{
						Name: apiv1.ResourceMemory,
						Target: autoscalingv2.MetricTarget{
							Type:               autoscalingv2.UtilizationMetricType,
							AverageUtilization: &memTarget,
						},
					},
				},
			},
			Behavior: &autoscalingv2.HorizontalPodAutoscalerBehavior{
				ScaleUp: &autoscalingv2.HPAScalingRules{
					StabilizationWindowSeconds: &scaleUpWindow,
					Policies: []autoscalingv2.HPAScalingPolicy{{
						Type:          autoscalingv2.PercentScalingPolicy,
						Value:         100,
						PeriodSeconds: 15,
					}},
				},
				ScaleDown: &autoscalingv2.HPAScalingRules{
					StabilizationWindowSeconds: &scaleDownWindow,
					Policies: []autoscalingv2.HPAScalingPolicy{{
						Type:          autoscalingv2.PodsScalingPolicy,
						Value:         1,
						PeriodSeconds: 60,
					}},
				},
			},
		},
	}

	_, err := c.clientset.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Create(ctx, hpa, metav1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		c.lg.Warn().Err(err).Str("deployment", deploymentName).Msg("failed to create hpa")
	}
}

func (c *Client) waitForReady(ctx context.Context, name string, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		deploy, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil && deploy.Status.ReadyReplicas > 0 {
			c.lg.Info().Str("deployment", name).Msg("deployment ready")
			return nil
		}
		if err != nil {
			c.lg.Warn().Err(err).Str("deployment", name).Msg("readiness check failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
	return fmt.Errorf("%w: %s not ready after %s", functions.ErrDeploymentTimeout, name, budget)
}

func workloadName(functionID string) string {
	id := functionID
	if len(id) > 8 {
		id = id[:8]
	}
	return "func-" + id
}
