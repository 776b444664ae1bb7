package kubernetes

import (
	"context"
	"errors"
	"testing"

	"github.com/fish-not-phish/FnBox/internal/config"
	"github.com/fish-not-phish/FnBox/internal/core/functions"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	apiv1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"
)

const testNamespace = "fnbox-functions"

func newTestClient(objects ...runtime.Object) (*Client, *fake.Clientset) {
	clientset := fake.NewSimpleClientset(objects...)

	// The fake apiserver never runs pods, so mark every created workload
	// ready up front to keep the readiness wait from spinning.
	clientset.PrependReactor("create", "deployments", func(action ktesting.Action) (bool, runtime.Object, error) {
		deploy := action.(ktesting.CreateAction).GetObject().(*appsv1.Deployment)
		deploy.Status.ReadyReplicas = 1
		return false, nil, nil
	})

	cfg := config.Config{Namespace: testNamespace, AgentPort: 8080}
	c := NewWithClientset(clientset, cfg, functions.NewRuntimeRegistry(""), zerolog.Nop())
	return c, clientset
}

func testDeployRequest() functions.DeployRequest {
	return functions.DeployRequest{
		FunctionID:   "abcdef12-3456-7890-abcd-ef1234567890",
		Runtime:      "python3.11",
		Code:         "def handler(event, context):\n    return {\"ok\": True}\n",
		Dependencies: []string{"requests==2.31.0"},
		MemoryMB:     128,
		VCPU:         1,
		TimeoutSec:   30,
	}
}

func TestDeployCreatesResources(t *testing.T) {
	c, clientset := newTestClient()
	ctx := context.Background()

	deployment, err := c.Deploy(ctx, testDeployRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if deployment.DeploymentName != "func-abcdef12" {
		t.Errorf("deployment name = %s", deployment.DeploymentName)
	}
	if deployment.ServiceName != "func-abcdef12-svc" {
		t.Errorf("service name = %s", deployment.ServiceName)
	}

	cm, err := clientset.CoreV1().ConfigMaps(testNamespace).Get(ctx, "func-abcdef12", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("configmap: %v", err)
	}
	if cm.Data["function.py"] == "" {
		t.Error("configmap missing code")
	}

	deploy, err := clientset.AppsV1().Deployments(testNamespace).Get(ctx, "func-abcdef12", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	container := deploy.Spec.Template.Spec.Containers[0]

	if got := container.Resources.Requests[apiv1.ResourceMemory]; got.String() != "128Mi" {
		t.Errorf("memory request = %s", got.String())
	}
	if got := container.Resources.Limits[apiv1.ResourceMemory]; got.String() != "192Mi" {
		t.Errorf("memory limit = %s, want 1.5x request", got.String())
	}
	if got := container.Resources.Requests[apiv1.ResourceCPU]; got.MilliValue() != 1000 {
		t.Errorf("cpu request = %dm", got.MilliValue())
	}
	if got := container.Resources.Limits[apiv1.ResourceCPU]; got.MilliValue() != 1500 {
		t.Errorf("cpu limit = %dm, want 1.5x request", got.MilliValue())
	}

	var runtimeEnv string
	for _, env := range container.Env {
		if env.Name == "RUNTIME" {
			runtimeEnv = env.Value
		}
	}
	if runtimeEnv != "python3.11" {
		t.Errorf("RUNTIME env = %q", runtimeEnv)
	}

	if len(deploy.Spec.Template.Spec.InitContainers) != 1 {
		t.Fatalf("init containers = %d, want 1", len(deploy.Spec.Template.Spec.InitContainers))
	}

	svc, err := clientset.CoreV1().Services(testNamespace).Get(ctx, "func-abcdef12-svc", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if svc.Spec.Type != apiv1.ServiceTypeClusterIP {
		t.Errorf("service type = %s", svc.Spec.Type)
	}
	if svc.Spec.Ports[0].Port != 8080 {
		t.Errorf("service port = %d", svc.Spec.Ports[0].Port)
	}

	hpa, err := clientset.AutoscalingV2().HorizontalPodAutoscalers(testNamespace).Get(ctx, "func-abcdef12-hpa", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("hpa: %v", err)
	}
	if *hpa.Spec.MinReplicas != 1 || hpa.Spec.MaxReplicas != 5 {
		t.Errorf("replica bounds = %d-%d", *hpa.Spec.MinReplicas, hpa.Spec.MaxReplicas)
	}
	if *hpa.Spec.Metrics[0].Resource.Target.AverageUtilization != 70 {
		t.Errorf("cpu target = %d", *hpa.Spec.Metrics[0].Resource.Target.AverageUtilization)
	}
	if *hpa.Spec.Behavior.ScaleDown.StabilizationWindowSeconds != 300 {
		t.Errorf("scale-down window = %d", *hpa.Spec.Behavior.ScaleDown.StabilizationWindowSeconds)
	}
}

func TestDeployWithoutDependenciesSkipsInitContainer(t *testing.T) {
	c, clientset := newTestClient()
	req := testDeployRequest()
	req.Dependencies = nil

	if _, err := c.Deploy(context.Background(), req); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	deploy, _ := clientset.AppsV1().Deployments(testNamespace).Get(context.Background(), "func-abcdef12", metav1.GetOptions{})
	if len(deploy.Spec.Template.Spec.InitContainers) != 0 {
		t.Errorf("init containers = %d, want 0", len(deploy.Spec.Template.Spec.InitContainers))
	}
}

func TestDeployUnsupportedRuntime(t *testing.T) {
	c, clientset := newTestClient()
	req := testDeployRequest()
	req.Runtime = "fortran77"

	if _, err := c.Deploy(context.Background(), req); !errors.Is(err, functions.ErrUnsupportedRuntime) {
		t.Fatalf("expected ErrUnsupportedRuntime, got %v", err)
	}

	// Nothing may be created for a rejected runtime.
	cms, _ := clientset.CoreV1().ConfigMaps(testNamespace).List(context.Background(), metav1.ListOptions{})
	if len(cms.Items) != 0 {
		t.Errorf("configmaps created = %d", len(cms.Items))
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	c, clientset := newTestClient()
	ctx := context.Background()

	if _, err := c.Deploy(ctx, testDeployRequest()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if err := c.Delete(ctx, "func-abcdef12"); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := c.Delete(ctx, "func-abcdef12"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}

	if _, err := clientset.AppsV1().Deployments(testNamespace).Get(ctx, "func-abcdef12", metav1.GetOptions{}); err == nil {
		t.Error("deployment still present")
	}
	if _, err := clientset.CoreV1().Services(testNamespace).Get(ctx, "func-abcdef12-svc", metav1.GetOptions{}); err == nil {
		t.Error("service still present")
	}
	if _, err := clientset.CoreV1().ConfigMaps(testNamespace).Get(ctx, "func-abcdef12", metav1.GetOptions{}); err == nil {
		t.Error("configmap still present")
	}
	if _, err := clientset.AutoscalingV2().HorizontalPodAutoscalers(testNamespace).Get(ctx, "func-abcdef12-hpa", metav1.GetOptions{}); err == nil {
		t.Error("hpa still present")
	}
}

func TestGetStatusNotFound(t *testing.T) {
	c, _ := newTestClient()

	status, err := c.GetStatus(context.Background(), "func-missing0")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != "not_found" {
		t.Errorf("status = %s", status.Status)
	}
}

func TestGetStatusRunning(t *testing.T) {
	replicas := int32(2)
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "func-abcdef12", Namespace: testNamespace},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
		Status:     appsv1.DeploymentStatus{ReadyReplicas: 2},
	}
	c, _ := newTestClient(deploy)

	status, err := c.GetStatus(context.Background(), "func-abcdef12")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != "running" {
		t.Errorf("status = %s", status.Status)
	}
	if status.ReadyReplicas != 2 || status.DesiredReplicas != 2 {
		t.Errorf("replicas = %d/%d", status.ReadyReplicas, status.DesiredReplicas)
	}
}

func TestScale(t *testing.T) {
	c, clientset := newTestClient()
	ctx := context.Background()

	if _, err := c.Deploy(ctx, testDeployRequest()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := c.Scale(ctx, "func-abcdef12", 3); err != nil {
		t.Fatalf("Scale: %v", err)
	}

	deploy, _ := clientset.AppsV1().Deployments(testNamespace).Get(ctx, "func-abcdef12", metav1.GetOptions{})
	if *deploy.Spec.Replicas != 3 {
		t.Errorf("replicas = %d, want 3", *deploy.Spec.Replicas)
	}
}

func TestEnsureNamespaceIdempotent(t *testing.T) {
	c, clientset := newTestClient()
	ctx := context.Background()

	if err := c.EnsureNamespace(ctx); err != nil {
		t.Fatalf("first EnsureNamespace: %v", err)
	}
	if err := c.EnsureNamespace(ctx); err != nil {
		t.Fatalf("second EnsureNamespace: %v", err)
	}
	if _, err := clientset.CoreV1().Namespaces().Get(ctx, testNamespace, metav1.GetOptions{}); err != nil {
		t.Errorf("namespace missing: %v", err)
	}
}

func TestWorkloadName(t *testing.T) {
	if got := workloadName("abcdef12-3456"); got != "func-abcdef12" {
		t.Errorf("workloadName = %s", got)
	}
	if got := workloadName("short"); got != "func-short" {
		t.Errorf("workloadName = %s", got)
	}
}
