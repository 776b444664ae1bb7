package functions

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistryImage(t *testing.T) {
	reg := NewRuntimeRegistry("")

	img, err := reg.Image("python3.11")
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if img != "fnbox-python:3.11" {
		t.Errorf("image = %q", img)
	}

	if _, err := reg.Image("cobol85"); !errors.Is(err, ErrUnsupportedRuntime) {
		t.Errorf("expected ErrUnsupportedRuntime, got %v", err)
	}
}

func TestRegistryImagePrefix(t *testing.T) {
	reg := NewRuntimeRegistry("registry.local/")
	img, err := reg.Image("go1.25")
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if img != "registry.local/fnbox-go:1.25" {
		t.Errorf("image = %q", img)
	}
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRuntimeRegistry("")
	reg.Register("python3.15", "fnbox-python:3.15")
	if !reg.Supported("python3.15") {
		t.Error("registered runtime not supported")
	}
}

func TestFamily(t *testing.T) {
	tests := []struct {
		runtime, family string
	}{
		{"python3.11", "python"},
		{"nodejs20", "nodejs"},
		{"ruby3.4", "ruby"},
		{"java27", "java"},
		{"dotnet10", "dotnet"},
		{"bash5", "bash"},
		{"go1.25", "go"},
	}
	for _, tt := range tests {
		if got := Family(tt.runtime); got != tt.family {
			t.Errorf("Family(%q) = %q, want %q", tt.runtime, got, tt.family)
		}
	}
}

func TestReadinessTimeout(t *testing.T) {
	tests := []struct {
		deps int
		want int
	}{
		{0, 60},
		{1, 70},
		{5, 110},
		{24, 300},
		{30, 300},
		{100, 300},
	}
	for _, tt := range tests {
		if got := ReadinessTimeout(tt.deps); got != tt.want {
			t.Errorf("ReadinessTimeout(%d) = %d, want %d", tt.deps, got, tt.want)
		}
	}
}

func TestInstallCommandPython(t *testing.T) {
	env := InstallCommand("python", []string{"requests==2.31.0", "flask"})
	if env == nil {
		t.Fatal("nil install env")
	}
	cmd := strings.Join(env.Command, " ")
	if !strings.Contains(cmd, "pip install --target /packages requests==2.31.0 flask") {
		t.Errorf("command = %q", cmd)
	}
	if env.EnvName != "PYTHONPATH" || env.EnvVal != "/packages" {
		t.Errorf("search path = %s=%s", env.EnvName, env.EnvVal)
	}
}

func TestInstallCommandNodejs(t *testing.T) {
	env := InstallCommand("nodejs", []string{"lodash@4.17.21"})
	if env == nil {
		t.Fatal("nil install env")
	}
	cmd := strings.Join(env.Command, " ")
	if !strings.Contains(cmd, "npm install lodash@4.17.21") {
		t.Errorf("command = %q", cmd)
	}
	if env.EnvName != "NODE_PATH" {
		t.Errorf("search path var = %s", env.EnvName)
	}
}

func TestInstallCommandBashHasNoInstallStep(t *testing.T) {
	if env := InstallCommand("bash", []string{"anything"}); env != nil {
		t.Errorf("expected nil, got %+v", env)
	}
}

func TestInstallCommandEmpty(t *testing.T) {
	if env := InstallCommand("python", nil); env != nil {
		t.Errorf("expected nil, got %+v", env)
	}
}

func TestPackageSpecs(t *testing.T) {
	tests := []struct {
		name   string
		family string
		pkg    DepsetPackage
		want   string
	}{
		{"python default operator", "python", DepsetPackage{PackageName: "requests", VersionSpec: "2.31.0"}, "requests==2.31.0"},
		{"python no version", "python", DepsetPackage{PackageName: "flask"}, "flask"},
		{"explicit operator passthrough", "python", DepsetPackage{PackageName: "numpy", VersionSpec: ">=1.20"}, "numpy>=1.20"},
		{"nodejs at separator", "nodejs", DepsetPackage{PackageName: "lodash", VersionSpec: "4.17.21"}, "lodash@4.17.21"},
		{"nodejs caret passthrough", "nodejs", DepsetPackage{PackageName: "express", VersionSpec: "^4.18.0"}, "express^4.18.0"},
		{"ruby gem flag", "ruby", DepsetPackage{PackageName: "sinatra", VersionSpec: "3.1.0"}, "sinatra -v 3.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := Depset{RuntimeFamily: tt.family, Packages: []DepsetPackage{tt.pkg}}
			specs := ds.PackageSpecs()
			if len(specs) != 1 || specs[0] != tt.want {
				t.Errorf("PackageSpecs() = %v, want [%s]", specs, tt.want)
			}
		})
	}
}
