package functions

import (
	"context"
	"fmt"
)

// ErrDeploymentTimeout is returned when a workload does not reach readiness
// within its computed wait budget.
var ErrDeploymentTimeout = fmt.Errorf("deployment readiness timeout")

// DeployRequest carries everything the orchestrator needs to provision the
// execution unit for one function.
type DeployRequest struct {
	FunctionID   string
	Runtime      string
	Code         string
	Dependencies []string // Rendered package specs, installer-ready
	MemoryMB     int
	VCPU         float64
	TimeoutSec   int
}

// Orchestrator provisions and tears down the cluster objects hosting one
// function's execution agent.
type Orchestrator interface {
	Deploy(ctx context.Context, req DeployRequest) (*Deployment, error)
	Delete(ctx context.Context, deploymentName string) error
	GetStatus(ctx context.Context, deploymentName string) (*DeploymentStatus, error)
	List(ctx context.Context) ([]DeploymentInfo, error)
	Scale(ctx context.Context, deploymentName string, replicas int32) error
}

// DeploymentStatus is an administrative snapshot of one workload.
type DeploymentStatus struct {
	DeploymentName  string      `json:"deployment_name"`
	Status          string      `json:"status"` // running, pending, or not_found
	ReadyReplicas   int32       `json:"ready_replicas"`
	DesiredReplicas int32       `json:"desired_replicas"`
	Pods            []PodStatus `json:"pods,omitempty"`
}

// PodStatus summarizes one pod backing a workload.
type PodStatus struct {
	Name     string `json:"name"`
	Phase    string `json:"phase"`
	Ready    bool   `json:"ready"`
	Restarts int32  `json:"restarts"`
}

// DeploymentInfo is one row of the administrative workload listing.
type DeploymentInfo struct {
	FunctionID     string `json:"function_id"`
	DeploymentName string `json:"deployment_name"`
	Replicas       int32  `json:"replicas"`
	ReadyReplicas  int32  `json:"ready_replicas"`
	CreatedAt      string `json:"created_at"`
}
