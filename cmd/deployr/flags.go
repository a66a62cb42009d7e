package main

import "time"

// GlobalFlags Flag structs to decouple cobra from logic for testing.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type StatusFlags struct {
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type BuildsFlags struct {
	Limit  int
	Offset int
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type BuildFlags struct {
	ID int64
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type DeployFlags struct {
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type CheckFlags struct {
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type TemplateCreateFlags struct {
	Type   string
	Name   string
	Output string
	Force  bool
}
