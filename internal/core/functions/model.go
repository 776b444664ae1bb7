package functions

import (
	"time"

	"gorm.io/datatypes"
)

// Function statuses. Transitions follow
// draft -> deploying -> active -> undeploying -> draft, with error reachable
// from deploying and undeploying.
const (
	StatusDraft       = "draft"
	StatusDeploying   = "deploying"
	StatusActive      = "active"
	StatusUndeploying = "undeploying"
	StatusError       = "error"
)

// Invocation statuses.
const (
	InvocationPending = "pending"
	InvocationRunning = "running"
	InvocationSuccess = "success"
	InvocationError   = "error"
	InvocationTimeout = "timeout"
)

// Trigger types.
const (
	TriggerScheduled = "scheduled"
	TriggerHTTP      = "http"
)

// Function is a deployable serverless function.
type Function struct {
	ID          string  `gorm:"primaryKey" json:"id"`
	Name        string  `json:"name"`
	Slug        string  `gorm:"uniqueIndex" json:"slug"`
	Description string  `json:"description"`
	Code        string  `json:"code"`
	Handler     string  `json:"handler"` // Entry point name, e.g. "handler"
	Runtime     string  `json:"runtime"` // e.g. "python3.11", "nodejs20"
	MemoryMB    int     `json:"memory_mb"`
	VCPU        float64 `json:"vcpu"`
	TimeoutSec  int     `json:"timeout_seconds"`

	DepsetID *uint   `json:"depset_id,omitempty"`
	Depset   *Depset `json:"depset,omitempty"`

	// Decrypted secret material handed to the core by the outer layer.
	// Injected into the execution environment at invocation time.
	Secrets datatypes.JSONMap `json:"-"`

	Status string `gorm:"index" json:"status"`

	// Cluster binding, populated only while status is "active".
	DeploymentName string `json:"deployment_name,omitempty"`
	ServiceName    string `json:"service_name,omitempty"`
	Namespace      string `json:"namespace,omitempty"`

	InvocationCount int        `json:"invocation_count"`
	LastInvokedAt   *time.Time `json:"last_invoked_at,omitempty"`
	LastDeployedAt  *time.Time `json:"last_deployed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Deployed reports whether the function has a live cluster binding.
func (f *Function) Deployed() bool {
	return f.Status == StatusActive && f.ServiceName != ""
}

// ClearBinding unsets the cluster binding fields. Called whenever the
// function leaves the active state.
func (f *Function) ClearBinding() {
	f.DeploymentName = ""
	f.ServiceName = ""
	f.Namespace = ""
}

// Invocation is one execution attempt of a function. Records are created
// before the remote call and updated after; the core never deletes them.
type Invocation struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	RequestID  string `gorm:"uniqueIndex" json:"request_id"`
	FunctionID string `gorm:"index" json:"function_id"`

	Status string `gorm:"index" json:"status"`

	InputData    datatypes.JSON `json:"input_data,omitempty"`
	OutputData   datatypes.JSON `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Logs         string         `json:"logs,omitempty"`

	DurationMS   int `json:"duration_ms"`
	MemoryUsedMB int `json:"memory_used_mb"`

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Trigger binds a function to a schedule or an HTTP route. Its lifecycle is
// independent of the function except for the one-way cascading disable when
// the function leaves the active state.
type Trigger struct {
	ID         string `gorm:"primaryKey" json:"id"`
	FunctionID string `gorm:"index" json:"function_id"`
	Name       string `json:"name"`
	Type       string `json:"type"` // scheduled or http

	Schedule string `json:"schedule,omitempty"` // 5-field cron expression
	Enabled  bool   `json:"enabled"`

	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Depset is a reusable, ordered set of runtime dependencies shared across
// functions, scoped to one runtime family.
type Depset struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	Name          string `json:"name"`
	RuntimeFamily string `json:"runtime_family"` // python, nodejs, ruby, java, dotnet, bash, go

	Packages []DepsetPackage `gorm:"constraint:OnDelete:CASCADE" json:"packages"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DepsetPackage is one (package, version specifier) entry of a depset.
type DepsetPackage struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	DepsetID    uint   `gorm:"index" json:"depset_id"`
	PackageName string `json:"package_name"`
	VersionSpec string `json:"version_spec,omitempty"`
	Order       int    `json:"order"`
}

// PackageSpecs renders the depset's packages as installer argument strings
// for its runtime family. A version spec that already carries an operator or
// prefix is passed through untouched.
func (d *Depset) PackageSpecs() []string {
	specs := make([]string, 0, len(d.Packages))
	for _, pkg := range d.Packages {
		specs = append(specs, pkg.spec(d.RuntimeFamily))
	}
	return specs
}

func (p *DepsetPackage) spec(family string) string {
	version := p.VersionSpec
	if version == "" {
		return p.PackageName
	}
	for _, prefix := range []string{"==", ">=", "<=", ">", "<", "~", "^", "@"} {
		if len(version) >= len(prefix) && version[:len(prefix)] == prefix {
			return p.PackageName + version
		}
	}
	switch family {
	case "nodejs":
		return p.PackageName + "@" + version
	case "ruby":
		return p.PackageName + " -v " + version
	default:
		return p.PackageName + "==" + version
	}
}

// Deployment describes the cluster objects hosting one function. It is
// ephemeral; only the binding fields on Function outlive it.
type Deployment struct {
	DeploymentName string `json:"deployment_name"`
	ServiceName    string `json:"service_name"`
	ServiceIP      string `json:"service_ip,omitempty"`
	PodName        string `json:"pod_name,omitempty"`
	Status         string `json:"status"`
}
