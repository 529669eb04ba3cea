package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"seedbridge.ai/internal/seedkey"
)

const defaultBaseURL = "http://127.0.0.1:8090"

func serverFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", defaultBaseURL, "server base url")
	return fs, baseURL
}

func bridgesCmd(args []string) {
	fs, baseURL := serverFlags("bridges")
	_ = fs.Parse(args)
	call(http.MethodGet, *baseURL, "/admin/v1/bridges", nil)
}

func observerCmd(args []string) {
	fs, baseURL := serverFlags("observer")
	state := fs.Bool("state", false, "print the mirrored world state instead of stats")
	_ = fs.Parse(args)
	path := "/admin/v1/observer"
	if *state {
		path += "/state"
	}
	call(http.MethodGet, *baseURL, path, nil)
}

func reloadCmd(args []string) {
	fs, baseURL := serverFlags("reload")
	_ = fs.Parse(args)
	call(http.MethodPost, *baseURL, "/admin/v1/store/reload", nil)
}

func resolveCmd(args []string) {
	fs, baseURL := serverFlags("resolve")
	key := fs.String("key", "", "seed key (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*key) == "" {
		fmt.Fprintln(os.Stderr, "missing -key")
		os.Exit(2)
	}
	call(http.MethodGet, *baseURL, "/admin/v1/resolve?key="+url.QueryEscape(*key), nil)
}

func removeCmd(args []string) {
	fs, baseURL := serverFlags("remove")
	key := fs.String("key", "", "seed key (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*key) == "" {
		fmt.Fprintln(os.Stderr, "missing -key")
		os.Exit(2)
	}
	call(http.MethodDelete, *baseURL, "/admin/v1/bridges/"+url.PathEscape(*key), nil)
}

func createCmd(args []string) {
	fs, baseURL := serverFlags("create")
	gridPath := fs.String("grid", "", "grid file, YAML or JSON (required)")
	player := fs.String("player", "", "player id that receives the carrier document (optional)")
	dryRun := fs.Bool("dry_run", false, "print the seed key and title without contacting the server")
	_ = fs.Parse(args)

	if strings.TrimSpace(*gridPath) == "" {
		fmt.Fprintln(os.Stderr, "missing -grid")
		os.Exit(2)
	}
	grid, err := readGrid(*gridPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read grid:", err)
		os.Exit(1)
	}
	if *dryRun {
		printJSON(map[string]any{
			"seed_key":     seedkey.Generate(grid),
			"dimension_id": seedkey.DimensionID(seedkey.Generate(grid)),
			"title":        seedkey.Title(grid),
			"hash":         seedkey.Hash(grid),
		})
		return
	}
	body, _ := json.Marshal(map[string]any{"grid": grid, "player_id": *player})
	call(http.MethodPost, *baseURL, "/admin/v1/bridges", body)
}

// readGrid accepts YAML or JSON; JSON is a YAML subset but uses the json field names.
func readGrid(path string) (seedkey.Grid, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return seedkey.Grid{}, err
	}
	var g seedkey.Grid
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		err = json.Unmarshal(b, &g)
	} else {
		err = yaml.Unmarshal(b, &g)
	}
	return g, err
}

func call(method, baseURL, path string, body []byte) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 45 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
