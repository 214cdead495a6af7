// Copyright 2025 James Ross
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var version = "dev"

// Exit codes.
const (
	exitOK         = 0
	exitCompile    = 1
	exitRuntime    = 2
	exitConnection = 3
	exitAuth       = 4
	exitNotFound   = 5
	exitConflict   = 6
	exitUsage      = 10
)

// maxInputFileBytes caps pipeline source and input files.
const maxInputFileBytes = 10 << 20

// cliConfig is ~/.constellation/config.json. Precedence: flag > env >
// config file > default.
type cliConfig struct {
	ServerURL string `json:"serverUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

func configPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".constellation", "config.json")
}

func loadConfig() cliConfig {
	cfg := cliConfig{ServerURL: "http://localhost:8080", TimeoutMs: 60000}
	path := configPath()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			_ = json.Unmarshal(data, &cfg)
		}
	}
	if v := os.Getenv("CONSTELLATION_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("CONSTELLATION_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	return cfg
}

// saveConfig writes atomically: temp file in the same directory + rename.
func saveConfig(cfg cliConfig) error {
	path := configPath()
	if path == "" {
		return fmt.Errorf("cannot resolve home directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

type client struct {
	base    string
	apiKey  string
	http    *http.Client
	jsonOut bool
}

func (c *client) do(method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.base, "/")+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

// render prints the response and maps the HTTP status to an exit code.
func (c *client) render(status int, data []byte, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConnection
	}
	if c.jsonOut {
		fmt.Println(string(bytes.TrimSpace(data)))
	} else {
		var pretty bytes.Buffer
		if json.Indent(&pretty, data, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(data))
		}
	}
	switch {
	case status >= 200 && status < 300:
		return exitOK
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return exitAuth
	case status == http.StatusNotFound:
		return exitNotFound
	case status == http.StatusConflict:
		return exitConflict
	case status == http.StatusBadRequest:
		// Compile and validation failures both surface as 400; the error
		// code in the body distinguishes them.
		var apiErr struct {
			Code string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code == "CompileError" {
			return exitCompile
		}
		return exitRuntime
	default:
		return exitRuntime
	}
}

func readCapped(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxInputFileBytes {
		return "", fmt.Errorf("file %s exceeds the 10 MiB limit", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseInputs(inline, file string) (map[string]json.RawMessage, error) {
	raw := inline
	if raw == "" && file != "" {
		content, err := readCapped(file)
		if err != nil {
			return nil, err
		}
		raw = content
	}
	if raw == "" {
		return map[string]json.RawMessage{}, nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("inputs must be a JSON object: %w", err)
	}
	return out, nil
}

func usage() int {
	fmt.Fprintf(os.Stderr, `constellation-cli %s

Usage: constellation-cli <command> [flags]

Commands:
  compile     Compile source and store the image
  run         Compile and execute in one call
  execute     Execute a stored pipeline by name or hash
  resume      Resume a suspended execution
  pipelines   List stored pipelines
  executions  List suspended executions
  canary      Manage canary deploys: start|promote|rollback|status
  config      init: save the client config (defaults, file and env merged)
  version     Print version

Common flags: --server URL --key KEY --json
`, version)
	return exitUsage
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return usage()
	}
	cmd, rest := args[0], args[1:]

	cfg := loadConfig()
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	server := fs.String("server", cfg.ServerURL, "Server base URL")
	apiKey := fs.String("key", cfg.APIKey, "API key")
	jsonOut := fs.Bool("json", false, "Machine-readable output")
	file := fs.String("file", "", "Pipeline source file")
	source := fs.String("source", "", "Inline pipeline source")
	name := fs.String("name", "", "Pipeline name")
	ref := fs.String("ref", "", "Pipeline name or structural hash")
	id := fs.String("id", "", "Suspended execution id")
	inputs := fs.String("inputs", "", "Inputs as inline JSON object")
	inputsFile := fs.String("inputs-file", "", "Inputs JSON file")
	nodes := fs.String("nodes", "", "Resolved node values as inline JSON object")
	allowSuspend := fs.Bool("allow-suspend", false, "Permit suspension on missing inputs")
	oldHash := fs.String("old", "", "Canary old structural hash")
	newHash := fs.String("new", "", "Canary new structural hash")
	weight := fs.Float64("weight", 0.1, "Canary initial weight")
	if err := fs.Parse(rest); err != nil {
		return exitUsage
	}

	c := &client{
		base:    *server,
		apiKey:  *apiKey,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		jsonOut: *jsonOut,
	}

	loadSource := func() (string, bool) {
		if *source != "" {
			return *source, true
		}
		if *file == "" {
			fmt.Fprintln(os.Stderr, "either --source or --file is required")
			return "", false
		}
		content, err := readCapped(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return "", false
		}
		return content, true
	}

	switch cmd {
	case "version":
		fmt.Println(version)
		return exitOK

	case "config":
		if fs.NArg() > 0 && fs.Arg(0) == "init" {
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return exitRuntime
			}
			fmt.Println(configPath())
			return exitOK
		}
		return usage()

	case "compile":
		src, ok := loadSource()
		if !ok {
			return exitUsage
		}
		status, data, err := c.do("POST", "/compile", map[string]interface{}{
			"source": src, "name": *name,
		})
		return c.render(status, data, err)

	case "run":
		src, ok := loadSource()
		if !ok {
			return exitUsage
		}
		in, err := parseInputs(*inputs, *inputsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitUsage
		}
		status, data, doErr := c.do("POST", "/run", map[string]interface{}{
			"source": src, "dagName": *name, "inputs": in, "allowSuspend": *allowSuspend,
		})
		return c.render(status, data, doErr)

	case "execute":
		if *ref == "" {
			fmt.Fprintln(os.Stderr, "--ref is required")
			return exitUsage
		}
		in, err := parseInputs(*inputs, *inputsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitUsage
		}
		status, data, doErr := c.do("POST", "/execute", map[string]interface{}{
			"ref": *ref, "inputs": in, "allowSuspend": *allowSuspend,
		})
		return c.render(status, data, doErr)

	case "resume":
		if *id == "" {
			fmt.Fprintln(os.Stderr, "--id is required")
			return exitUsage
		}
		in, err := parseInputs(*inputs, *inputsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitUsage
		}
		body := map[string]interface{}{"additionalInputs": in}
		if *nodes != "" {
			var resolved map[string]json.RawMessage
			if err := json.Unmarshal([]byte(*nodes), &resolved); err != nil {
				fmt.Fprintf(os.Stderr, "error: --nodes must be a JSON object: %v\n", err)
				return exitUsage
			}
			body["resolvedNodes"] = resolved
		}
		status, data, doErr := c.do("POST", "/executions/"+*id+"/resume", body)
		return c.render(status, data, doErr)

	case "pipelines":
		status, data, err := c.do("GET", "/pipelines", nil)
		return c.render(status, data, err)

	case "executions":
		status, data, err := c.do("GET", "/executions", nil)
		return c.render(status, data, err)

	case "canary":
		if fs.NArg() == 0 || *name == "" {
			fmt.Fprintln(os.Stderr, "usage: canary <start|promote|rollback|status> --name NAME")
			return exitUsage
		}
		switch fs.Arg(0) {
		case "start":
			if *newHash == "" {
				fmt.Fprintln(os.Stderr, "--new is required")
				return exitUsage
			}
			status, data, err := c.do("POST", "/deploy/canary/"+*name, map[string]interface{}{
				"oldHash": *oldHash,
				"newHash": *newHash,
				"config": map[string]interface{}{
					"initialWeight": *weight,
					"autoPromote":   true,
				},
			})
			return c.render(status, data, err)
		case "promote":
			status, data, err := c.do("POST", "/deploy/canary/"+*name+"/promote", map[string]interface{}{})
			return c.render(status, data, err)
		case "rollback":
			status, data, err := c.do("POST", "/deploy/canary/"+*name+"/rollback", map[string]interface{}{})
			return c.render(status, data, err)
		case "status":
			status, data, err := c.do("GET", "/deploy/canary/"+*name, nil)
			return c.render(status, data, err)
		}
		return usage()

	default:
		return usage()
	}
}
