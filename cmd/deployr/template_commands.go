package main

import (
	"fmt"
	"os"

	"github.com/loykin/deployr/pkg/template"
)

// TemplateCreate writes a starter configuration file
func (c command) TemplateCreate(f TemplateCreateFlags) error {
	// Use provided name or default based on type
	appName := f.Name
	if appName == "" {
		appName = f.Type + "-app"
	}

	outputPath := f.Output
	if outputPath == "" {
		outputPath = "deployr.toml"
	}

	// Check if file already exists and force flag not set
	if _, err := os.Stat(outputPath); err == nil && !f.Force {
		return fmt.Errorf("config file '%s' already exists (use --force to overwrite)", outputPath)
	}

	// Generate config content based on type
	generator := template.NewGenerator()
	content, err := generator.GenerateTOML(template.TemplateType(f.Type), appName)
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}

	if err := os.WriteFile(outputPath, content, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Starter config for '%s' created: %s\n", appName, outputPath)
	fmt.Printf("Edit repo.owner and the build section, then run: deployr serve --config %s\n", outputPath)
	return nil
}
