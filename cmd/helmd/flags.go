package main

import "time"

// GlobalFlags are persistent on the root command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection; empty means operate on the local host directly.
	APIUrl      string
	APITimeout  time.Duration
	APIInsecure bool
	APICACert   string
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Name string
	Mode string
}

type StatusFlags struct {
	Name string
}

type StopFlags struct {
	Name string
}

type LogsFlags struct {
	Name  string
	Lines int
	Type  string
}

type ServeFlags struct {
	Watch  bool
	Listen string
}
