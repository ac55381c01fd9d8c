package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoleDefinitions 对应 roles.yaml 的结构，描述市场上固定的工人角色顺序。
type RoleDefinitions struct {
	Roles []RoleDefinition `yaml:"roles"`
}

// RoleDefinition 描述单个角色及其派发目标智能体。
type RoleDefinition struct {
	Name        string `yaml:"name"`
	Agent       string `yaml:"agent"`
	Description string `yaml:"description"`
}

// LoadRoleDefinitions 解析 YAML 角色清单。角色顺序即推断与轮询顺序。
func LoadRoleDefinitions(path string) (RoleDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return RoleDefinitions{}, fmt.Errorf("角色清单路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return RoleDefinitions{}, fmt.Errorf("读取角色清单失败: %w", err)
	}

	var defs RoleDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return RoleDefinitions{}, fmt.Errorf("解析角色清单失败: %w", err)
	}
	if len(defs.Roles) == 0 {
		return RoleDefinitions{}, fmt.Errorf("角色清单为空: %s", path)
	}
	for i, role := range defs.Roles {
		if strings.TrimSpace(role.Name) == "" {
			return RoleDefinitions{}, fmt.Errorf("第 %d 个角色缺少 name 字段", i+1)
		}
	}
	return defs, nil
}

// Names 返回按照清单顺序排列的角色名。
func (d RoleDefinitions) Names() []string {
	names := make([]string, 0, len(d.Roles))
	for _, role := range d.Roles {
		names = append(names, role.Name)
	}
	return names
}

// AgentFor 返回角色对应的派发智能体，未配置时返回空串。
func (d RoleDefinitions) AgentFor(role string) string {
	for _, def := range d.Roles {
		if def.Name == role {
			return def.Agent
		}
	}
	return ""
}
