package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// 已知的工作器类别。
const (
	WorkerKindObserver = "observer"
	WorkerKindHedera   = "hedera"
	WorkerKindExecutor = "executor"
)

// Registry 是工作器注册表，描述进程内启用哪些工作器以及路由关键词。
type Registry struct {
	DefaultWorker string       `yaml:"default_worker"`
	Workers       []WorkerSpec `yaml:"workers"`
}

// WorkerSpec 描述单个工作器的启用状态与参数。
type WorkerSpec struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Enabled  bool     `yaml:"enabled"`
	Keywords []string `yaml:"keywords"`

	// Hedera 工作器的专属参数。
	DefaultAccount string `yaml:"default_account"`
	MirrorBaseURL  string `yaml:"mirror_base_url"`
}

// LoadRegistry 解析 YAML 格式的工作器注册表。
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("注册表路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工作器注册表失败: %w", err)
	}
	var reg Registry
	if err := yaml.Unmarshal(content, &reg); err != nil {
		return nil, fmt.Errorf("解析工作器注册表失败: %w", err)
	}
	if reg.DefaultWorker == "" {
		reg.DefaultWorker = WorkerKindObserver
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Registry) validate() error {
	seen := make(map[string]struct{}, len(r.Workers))
	for _, spec := range r.Workers {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return errors.New("工作器名称不能为空")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("工作器名称重复: %s", name)
		}
		seen[name] = struct{}{}
		switch spec.Kind {
		case WorkerKindObserver, WorkerKindHedera, WorkerKindExecutor:
		default:
			return fmt.Errorf("未知的工作器类别: %s", spec.Kind)
		}
	}
	return nil
}

// Enabled 返回所有启用的工作器。
func (r *Registry) Enabled() []WorkerSpec {
	out := make([]WorkerSpec, 0, len(r.Workers))
	for _, spec := range r.Workers {
		if spec.Enabled {
			out = append(out, spec)
		}
	}
	return out
}

// KeywordRoutes 汇总启用工作器的关键词路由表，关键词统一小写。
func (r *Registry) KeywordRoutes() map[string]string {
	routes := make(map[string]string)
	for _, spec := range r.Enabled() {
		for _, keyword := range spec.Keywords {
			keyword = strings.ToLower(strings.TrimSpace(keyword))
			if keyword == "" {
				continue
			}
			routes[keyword] = spec.Name
		}
	}
	return routes
}
