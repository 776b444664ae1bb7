package functions

import (
	"fmt"
	"strings"
)

// ErrUnsupportedRuntime is returned when a deploy names a runtime with no
// registered image.
var ErrUnsupportedRuntime = fmt.Errorf("unsupported runtime")

// RuntimeRegistry maps runtime identifiers to container images and install
// semantics. It is built once at startup; the orchestrators only consume it.
type RuntimeRegistry struct {
	images map[string]string
	prefix string
}

// NewRuntimeRegistry returns a registry with the built-in runtime set.
// prefix, when non-empty, is prepended to every image reference.
func NewRuntimeRegistry(prefix string) *RuntimeRegistry {
	return &RuntimeRegistry{
		prefix: prefix,
		images: map[string]string{
			"python3.9":  "fnbox-python:3.9",
			"python3.10": "fnbox-python:3.10",
			"python3.11": "fnbox-python:3.11",
			"python3.12": "fnbox-python:3.12",
			"python3.13": "fnbox-python:3.13",
			"python3.14": "fnbox-python:3.14",
			"nodejs20":   "fnbox-nodejs:20",
			"nodejs24":   "fnbox-nodejs:24",
			"nodejs25":   "fnbox-nodejs:25",
			"ruby3.4":    "fnbox-ruby:3.4",
			"java27":     "fnbox-java:27",
			"dotnet8":    "fnbox-dotnet:8",
			"dotnet9":    "fnbox-dotnet:9",
			"dotnet10":   "fnbox-dotnet:10",
			"bash5":      "fnbox-bash:5",
			"go1.25":     "fnbox-go:1.25",
		},
	}
}

// Register adds or replaces a runtime mapping.
func (r *RuntimeRegistry) Register(runtime, image string) {
	r.images[runtime] = image
}

// Image resolves a runtime identifier to its container image, or
// ErrUnsupportedRuntime.
func (r *RuntimeRegistry) Image(runtime string) (string, error) {
	img, ok := r.images[runtime]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedRuntime, runtime)
	}
	return r.prefix + img, nil
}

// Supported reports whether the runtime has a registered image.
func (r *RuntimeRegistry) Supported(runtime string) bool {
	_, ok := r.images[runtime]
	return ok
}

// Family extracts the runtime family from a runtime identifier,
// e.g. "python3.11" -> "python".
func Family(runtime string) string {
	return strings.TrimRightFunc(runtime, func(c rune) bool {
		return c == '.' || (c >= '0' && c <= '9')
	})
}

// InstallEnv holds the init-container install command for a dependency set
// plus the search-path variable the main container needs to find the
// installed packages.
type InstallEnv struct {
	Command []string
	EnvName string
	EnvVal  string
}

// InstallCommand builds the package-manager install command for a runtime
// family. Packages are installed into /packages on a shared volume. Returns
// nil for families without an install step (bash) and for empty package lists.
func InstallCommand(family string, packages []string) *InstallEnv {
	if len(packages) == 0 {
		return nil
	}
	joined := strings.Join(packages, " ")

	switch family {
	case "python":
		return &InstallEnv{
			Command: []string{"sh", "-c", "pip install --target /packages " + joined},
			EnvName: "PYTHONPATH",
			EnvVal:  "/packages",
		}
	case "nodejs":
		return &InstallEnv{
			Command: []string{"sh", "-c", "cd /packages && npm install " + joined},
			EnvName: "NODE_PATH",
			EnvVal:  "/packages/node_modules",
		}
	case "ruby":
		cmds := make([]string, 0, len(packages))
		for _, pkg := range packages {
			cmds = append(cmds, "gem install --install-dir /packages "+pkg)
		}
		return &InstallEnv{
			Command: []string{"sh", "-c", strings.Join(cmds, " && ")},
			EnvName: "GEM_PATH",
			EnvVal:  "/packages",
		}
	case "java":
		args := make([]string, 0, len(packages))
		for _, pkg := range packages {
			args = append(args, "-Dartifact="+pkg)
		}
		return &InstallEnv{
			Command: []string{"sh", "-c", "mvn dependency:copy-dependencies -DoutputDirectory=/packages " + strings.Join(args, " ")},
			EnvName: "CLASSPATH",
			EnvVal:  "/packages/*",
		}
	case "dotnet":
		cmds := make([]string, 0, len(packages))
		for _, pkg := range packages {
			cmds = append(cmds, "dotnet add package "+pkg)
		}
		return &InstallEnv{
			Command: []string{"sh", "-c", "cd /packages && dotnet new classlib -o temp && cd temp && " + strings.Join(cmds, " && ")},
		}
	case "go":
		return &InstallEnv{
			Command: []string{"sh", "-c", "export GOMODCACHE=/packages/pkg/mod && mkdir -p /packages/pkg/mod && cd /packages && go mod init function && go get " + joined + " && go mod download"},
			EnvName: "GOPATH",
			EnvVal:  "/packages",
		}
	default:
		// bash and unknown families have no install step
		return nil
	}
}

// ReadinessTimeout computes the deployment readiness wait budget in seconds:
// a 60s base plus 10s per dependency package, capped at 300s.
func ReadinessTimeout(dependencyCount int) int {
	timeout := 60 + 10*dependencyCount
	if timeout > 300 {
		return 300
	}
	return timeout
}
