package main

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/deployr/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8080"

// command binds the CLI handlers to the daemon API they talk through.
type command struct{}

// dial builds the API client and verifies the daemon answers before any
// command-specific request goes out.
func (c command) dial(apiURL string, timeout time.Duration) (*client.Client, error) {
	if apiURL == "" {
		apiURL = defaultAPIUrl
	}
	api := client.New(client.Config{BaseURL: apiURL, Timeout: timeout})
	if !api.IsReachable(context.Background()) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'deployr serve'", apiURL)
	}
	return api, nil
}

// Status prints the daemon's service and build status
func (c command) Status(f StatusFlags) error {
	api, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	st, err := api.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// Builds prints a page of build history
func (c command) Builds(f BuildsFlags) error {
	api, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	page, err := api.Builds(context.Background(), f.Limit, f.Offset)
	if err != nil {
		return err
	}
	printJSON(page)
	return nil
}

// Build prints a single build record
func (c command) Build(f BuildFlags) error {
	api, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	rec, err := api.Build(context.Background(), f.ID)
	if err != nil {
		return err
	}
	printJSON(rec)
	return nil
}

// Deploy asks the daemon to redeploy the last successful artifact
func (c command) Deploy(f DeployFlags) error {
	api, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	if err := api.Deploy(context.Background()); err != nil {
		return err
	}
	fmt.Println("Deploy accepted")
	return nil
}

// Check asks the daemon to poll the repository immediately
func (c command) Check(f CheckFlags) error {
	api, err := c.dial(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	if err := api.Check(context.Background()); err != nil {
		return err
	}
	fmt.Println("Repository check triggered")
	return nil
}
