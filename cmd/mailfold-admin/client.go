package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mailfold/mailfold/config"
)

// apiKeyEnv is the environment fallback for the admin API key, checked
// after the --api-key flag and before the configuration file.
const apiKeyEnv = "MAILFOLD_API_KEY"

// clientFlags are the connection flags shared by every API-backed verb.
type clientFlags struct {
	configPath *string
	apiURL     *string
	apiKey     *string
}

func registerClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		configPath: fs.String("config", "config.toml", "Path to TOML configuration file"),
		apiURL:     fs.String("api-url", "", "Admin API base URL (overrides config)"),
		apiKey:     fs.String("api-key", "", "Admin API key (overrides config and "+apiKeyEnv+")"),
	}
}

// newClient resolves the API address and key and builds a client, or
// exits with a usable error when neither flags nor config provide them.
func (cf *clientFlags) newClient(fs *flag.FlagSet) *apiClient {
	cfg := loadConfigFile(fs, *cf.configPath)

	baseURL := *cf.apiURL
	if baseURL == "" {
		baseURL = baseURLFromConfig(&cfg.API)
	}
	if baseURL == "" {
		failf("no admin API address; configure [api] addr or pass --api-url")
	}

	key := *cf.apiKey
	if key == "" {
		key = os.Getenv(apiKeyEnv)
	}
	if key == "" {
		key = cfg.API.APIKey
	}
	if key == "" {
		failf("no admin API key; pass --api-key, set %s, or configure [api] api_key", apiKeyEnv)
	}

	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  key,
		http:    &http.Client{Timeout: 10 * time.Minute},
	}
}

// baseURLFromConfig derives a client URL from the daemon's listen
// address. A bare ":8456" listen address means localhost here.
func baseURLFromConfig(api *config.APIConfig) string {
	if api.Addr == "" {
		return ""
	}
	scheme := "http"
	if api.TLS {
		scheme = "https"
	}
	host := api.Addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// apiClient talks to the daemon's admin API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// do sends one request and decodes the JSON response into out when out
// is non-nil. Non-2xx responses become errors carrying the server's
// message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *apiClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) put(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *apiClient) del(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

// apiError extracts the {"error": ...} payload the API uses for
// failures, falling back to the bare HTTP status.
func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, payload.Error)
	}
	return fmt.Errorf("%s", resp.Status)
}

// printJSON renders a response payload as indented JSON.
func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		failf("failed to format output: %v", err)
	}
	fmt.Println(string(data))
}
