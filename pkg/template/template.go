package template

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType selects the build flavor a generated config targets
type TemplateType string

const (
	TypeGo     TemplateType = "go"
	TypeGolang TemplateType = "golang"
	TypeNode   TemplateType = "node"
	TypeNodeJS TemplateType = "nodejs"
	TypeRust   TemplateType = "rust"
	TypeCargo  TemplateType = "cargo"
	TypeMake   TemplateType = "make"
	TypeSimple TemplateType = "simple"
	TypeBasic  TemplateType = "basic"
)

// ConfigTemplate is a starter daemon configuration ready to be written
// out as TOML and loaded back after the user fills in the repository.
type ConfigTemplate struct {
	Repo    RepoSection    `toml:"repo"`
	Build   BuildSection   `toml:"build"`
	Service ServiceSection `toml:"service"`
	Server  ServerSection  `toml:"server"`
}

// RepoSection points the watcher at a GitHub repository
type RepoSection struct {
	Owner         string `toml:"owner"`
	Name          string `toml:"name"`
	Branch        string `toml:"branch"`
	TokenEnv      string `toml:"token_env,omitempty"`
	CheckInterval string `toml:"check_interval"`
}

// BuildSection describes how to produce the artifact from a checkout
type BuildSection struct {
	Workspace string   `toml:"workspace,omitempty"`
	Command   string   `toml:"command"`
	Artifact  string   `toml:"artifact"`
	Timeout   string   `toml:"timeout"`
	Env       []string `toml:"env,omitempty"`
}

// ServiceSection describes the supervised process
type ServiceSection struct {
	Name         string `toml:"name"`
	Command      string `toml:"command"`
	Grace        string `toml:"grace,omitempty"`
	RestartDelay string `toml:"restart_delay,omitempty"`
	MaxRetries   int    `toml:"max_retries,omitempty"`
	RetryWindow  string `toml:"retry_window,omitempty"`
}

// ServerSection configures the status API listener
type ServerSection struct {
	Listen string `toml:"listen"`
}

// Generator provides starter config generation functionality
type Generator struct{}

// NewGenerator creates a new config generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a starter config based on the specified type and name.
// The name is used for the repository, the service and artifact paths.
func (g *Generator) Generate(templateType TemplateType, name string) (*ConfigTemplate, error) {
	switch templateType {
	case TypeGo, TypeGolang:
		return g.generateGoTemplate(name), nil
	case TypeNode, TypeNodeJS:
		return g.generateNodeTemplate(name), nil
	case TypeRust, TypeCargo:
		return g.generateRustTemplate(name), nil
	case TypeMake:
		return g.generateMakeTemplate(name), nil
	case TypeSimple, TypeBasic:
		return g.generateSimpleTemplate(name), nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: go, node, rust, make, simple)", templateType)
	}
}

// GenerateTOML renders the starter config as a deployr.toml document
func (g *Generator) GenerateTOML(templateType TemplateType, name string) ([]byte, error) {
	tpl, err := g.Generate(templateType, name)
	if err != nil {
		return nil, err
	}

	body, err := toml.Marshal(tpl)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}

	header := fmt.Sprintf("# deployr configuration for a %s project.\n"+
		"# Set repo.owner to your GitHub account and adjust the build section,\n"+
		"# then start the daemon with: deployr serve --config deployr.toml\n\n",
		templateType)
	return append([]byte(header), body...), nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeGo),
		string(TypeNode),
		string(TypeRust),
		string(TypeMake),
		string(TypeSimple),
	}
}

// Helper functions to create specific templates

func (g *Generator) generateGoTemplate(name string) *ConfigTemplate {
	return &ConfigTemplate{
		Repo: g.repoSection(name),
		Build: BuildSection{
			Command:  fmt.Sprintf("go build -o bin/%s .", name),
			Artifact: "bin/" + name,
			Timeout:  "10m",
			Env:      []string{"CGO_ENABLED=0"},
		},
		Service: g.serviceSection(name, "{artifact}"),
		Server:  ServerSection{Listen: ":8080"},
	}
}

func (g *Generator) generateNodeTemplate(name string) *ConfigTemplate {
	return &ConfigTemplate{
		Repo: g.repoSection(name),
		Build: BuildSection{
			Command:  "npm ci && npm run build",
			Artifact: "dist/server.js",
			Timeout:  "15m",
			Env:      []string{"NODE_ENV=production"},
		},
		Service: g.serviceSection(name, "node {artifact}"),
		Server:  ServerSection{Listen: ":8080"},
	}
}

func (g *Generator) generateRustTemplate(name string) *ConfigTemplate {
	return &ConfigTemplate{
		Repo: g.repoSection(name),
		Build: BuildSection{
			Command:  "cargo build --release",
			Artifact: "target/release/" + name,
			Timeout:  "30m",
		},
		Service: g.serviceSection(name, "{artifact}"),
		Server:  ServerSection{Listen: ":8080"},
	}
}

func (g *Generator) generateMakeTemplate(name string) *ConfigTemplate {
	return &ConfigTemplate{
		Repo: g.repoSection(name),
		Build: BuildSection{
			Command:  "make build",
			Artifact: "bin/" + name,
			Timeout:  "15m",
		},
		Service: g.serviceSection(name, "{artifact}"),
		Server:  ServerSection{Listen: ":8080"},
	}
}

func (g *Generator) generateSimpleTemplate(name string) *ConfigTemplate {
	return &ConfigTemplate{
		Repo: g.repoSection(name),
		Build: BuildSection{
			Command:  "sh build.sh",
			Artifact: "bin/" + name,
			Timeout:  "10m",
		},
		Service: g.serviceSection(name, "{artifact}"),
		Server:  ServerSection{Listen: ":8080"},
	}
}

func (g *Generator) repoSection(name string) RepoSection {
	return RepoSection{
		Owner:         "your-github-user",
		Name:          name,
		Branch:        "main",
		TokenEnv:      "GITHUB_TOKEN",
		CheckInterval: "5m",
	}
}

func (g *Generator) serviceSection(name, command string) ServiceSection {
	return ServiceSection{
		Name:         name,
		Command:      command,
		Grace:        "5s",
		RestartDelay: "2s",
		MaxRetries:   3,
		RetryWindow:  "60s",
	}
}
