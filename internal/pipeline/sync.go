package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"readyline/internal/config"
	"readyline/internal/domain"
)

const defaultSyncTimeout = 10 * time.Second

// httpSyncTarget creates projects on an external platform over its JSON API.
type httpSyncTarget struct {
	platform string
	cfg      config.SyncPlatform
	client   *http.Client
}

func syncTargetsFromConfig(cfg *config.Config) map[string]SyncTarget {
	targets := map[string]SyncTarget{}
	for name, platform := range cfg.Sync {
		timeout := defaultSyncTimeout
		if platform.TimeoutSeconds > 0 {
			timeout = time.Duration(platform.TimeoutSeconds) * time.Second
		}
		targets[name] = &httpSyncTarget{
			platform: name,
			cfg:      platform,
			client:   &http.Client{Timeout: timeout},
		}
	}
	return targets
}

type syncProjectRequest struct {
	Name   string         `json:"name"`
	Prefix string         `json:"prefix,omitempty"`
	Tasks  []syncTaskItem `json:"tasks"`
}

type syncTaskItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type syncProjectResponse struct {
	ProjectKey   string            `json:"project_key"`
	ProjectURL   string            `json:"project_url"`
	TaskMappings map[string]string `json:"task_mappings"`
}

func (t *httpSyncTarget) CreateProject(ctx context.Context, name string, tasks []domain.PlanTask) (SyncedProject, error) {
	body := syncProjectRequest{Name: name, Prefix: t.cfg.ProjectPrefix}
	for _, task := range tasks {
		body.Tasks = append(body.Tasks, syncTaskItem{ID: task.ID, Title: task.Title})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return SyncedProject{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return SyncedProject{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	res, err := t.client.Do(req)
	if err != nil {
		return SyncedProject{}, fmt.Errorf("%s: %w", t.platform, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return SyncedProject{}, fmt.Errorf("%s: status %d: %s", t.platform, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var parsed syncProjectResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return SyncedProject{}, fmt.Errorf("%s: decode response: %w", t.platform, err)
	}
	if parsed.ProjectKey == "" {
		return SyncedProject{}, fmt.Errorf("%s: response missing project_key", t.platform)
	}
	return SyncedProject{
		ProjectKey:   parsed.ProjectKey,
		ProjectURL:   parsed.ProjectURL,
		TaskMappings: parsed.TaskMappings,
	}, nil
}
