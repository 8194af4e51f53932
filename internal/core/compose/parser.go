package compose

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// DescriptorNames are the file names docker compose looks for, in its
// own priority order.
var DescriptorNames = []string{
	"compose.yaml",
	"compose.yml",
	"docker-compose.yml",
	"docker-compose.yaml",
}

// DefaultMemoryPerService is assumed for services without a memory limit.
const DefaultMemoryPerService = 256 * 1024 * 1024 // 256 MB

// =============================================================================
// Discovery
// =============================================================================

// FindDescriptor returns the shallowest compose file in the tree. Hidden
// directories are not searched.
func FindDescriptor(fsys fs.FS) (string, bool) {
	rank := make(map[string]int, len(DescriptorNames))
	for i, n := range DescriptorNames {
		rank[n] = i
	}

	best, bestDepth, bestRank := "", 0, 0
	fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != "." && (strings.HasPrefix(d.Name(), ".") || d.Name() == "__MACOSX" || d.Name() == "node_modules") {
				return fs.SkipDir
			}
			return nil
		}
		r, ok := rank[d.Name()]
		if !ok {
			return nil
		}
		depth := strings.Count(p, "/")
		if best == "" || depth < bestDepth || (depth == bestDepth && r < bestRank) {
			best, bestDepth, bestRank = p, depth, r
		}
		return nil
	})
	return best, best != ""
}

// =============================================================================
// Parser Functions
// =============================================================================

// Parse reads compose YAML into a Descriptor.
// This is a pure function - no I/O, no side effects.
func Parse(yamlContent, projectName string) (*Descriptor, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadProject(yamlContent, projectName)
	if err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	desc := &Descriptor{Services: make([]Service, 0, len(project.Services))}
	for _, name := range sortedServiceNames(project.Services) {
		svc, err := convertService(project.Services[name])
		if err != nil {
			return nil, err
		}
		desc.Services = append(desc.Services, svc)
	}
	if err := detectCircularDependencies(desc.Services); err != nil {
		return nil, err
	}
	for name := range project.Volumes {
		desc.Volumes = append(desc.Volumes, name)
	}
	sort.Strings(desc.Volumes)
	return desc, nil
}

// loadProject loads a compose file using compose-go.
func loadProject(yamlContent, projectName string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if _, ok := dict["services"]; !ok {
		return nil, ErrNoServices
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(projectName, false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		// env_file references are resolved by docker compose at run time
		opts.SkipResolveEnvironment = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "dependency cycle detected") {
			return nil, NewParseError("", "circular dependency detected", ErrCircularDependency)
		}
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must have image or build", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}
	return project, nil
}

func sortedServiceNames(services types.Services) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// convertService converts a compose-go service to our Service type.
func convertService(svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:  svc.Name,
		Image: svc.Image,
		Build: svc.Build != nil,
	}
	if service.Image == "" && !service.Build {
		return Service{}, NewParseError("services."+svc.Name, "service must have image or build", ErrServiceNoImage)
	}

	for i, p := range svc.Ports {
		field := fmt.Sprintf("services.%s.ports[%d]", svc.Name, i)
		if p.Target == 0 || p.Target > 65535 {
			return Service{}, NewParseError(field, "target port must be between 1 and 65535", ErrServiceInvalidPort)
		}
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		container, err := nat.NewPort(proto, strconv.FormatUint(uint64(p.Target), 10))
		if err != nil {
			return Service{}, NewParseError(field, err.Error(), ErrServiceInvalidPort)
		}
		port := Port{Container: container, HostIP: p.HostIP}
		if p.Published != "" {
			pub, err := strconv.Atoi(p.Published)
			if err != nil || pub < 0 || pub > 65535 {
				// ranges such as "8000-8005" are left to docker
				if !strings.Contains(p.Published, "-") {
					return Service{}, NewParseError(field, "published port must be <= 65535", ErrServiceInvalidPort)
				}
			} else {
				port.Published = pub
			}
		}
		service.Ports = append(service.Ports, port)
	}

	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}
	sort.Strings(service.DependsOn)

	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		service.MemoryLimit = int64(svc.Deploy.Resources.Limits.MemoryBytes)
	}
	if service.MemoryLimit == 0 && svc.MemLimit > 0 {
		service.MemoryLimit = int64(svc.MemLimit)
	}
	return service, nil
}

// detectCircularDependencies detects circular dependencies in service dependencies.
func detectCircularDependencies(services []Service) error {
	deps := make(map[string][]string)
	for _, svc := range services {
		deps[svc.Name] = svc.DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true
		for _, dep := range deps[node] {
			if dep == node || recStack[dep] {
				return true
			}
			if !visited[dep] && hasCycle(dep) {
				return true
			}
		}
		recStack[node] = false
		return false
	}

	for _, svc := range services {
		if !visited[svc.Name] && hasCycle(svc.Name) {
			return NewParseError("services."+svc.Name+".depends_on", "circular dependency detected", ErrCircularDependency)
		}
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// WebPort returns the first fixed published TCP port, preferring a service
// named "web". It is the port the group's address points at.
func (d *Descriptor) WebPort() (int, bool) {
	pick := func(svc Service) (int, bool) {
		for _, p := range svc.Ports {
			if p.Published > 0 && p.Container.Proto() == "tcp" {
				return p.Published, true
			}
		}
		return 0, false
	}
	for _, svc := range d.Services {
		if svc.Name == "web" {
			if port, ok := pick(svc); ok {
				return port, true
			}
		}
	}
	for _, svc := range d.Services {
		if port, ok := pick(svc); ok {
			return port, true
		}
	}
	return 0, false
}

// TotalMemory sums service memory limits, using DefaultMemoryPerService
// where none is set.
func (d *Descriptor) TotalMemory() int64 {
	var total int64
	for _, svc := range d.Services {
		if svc.MemoryLimit > 0 {
			total += svc.MemoryLimit
		} else {
			total += DefaultMemoryPerService
		}
	}
	return total
}

// ServiceNames lists the services in name order.
func (d *Descriptor) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for _, svc := range d.Services {
		names = append(names, svc.Name)
	}
	return names
}
