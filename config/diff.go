package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// secretMask 敏感字段（json:"-"）在变更记录中的占位值
const secretMask = "******"

// ConfigChange 单个配置项的变更，Path 使用 toml 键名（如 "cache.ttl.bars"）
type ConfigChange struct {
	Path            string      `json:"path"`
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// DiffConfig 对比两个配置，变更按路径排序
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	d := &ConfigDiff{Changes: []ConfigChange{}}
	d.walk(reflect.ValueOf(*oldConfig), reflect.ValueOf(*newConfig), "", false)
	sort.SliceStable(d.Changes, func(i, j int) bool { return d.Changes[i].Path < d.Changes[j].Path })
	for _, c := range d.Changes {
		if c.RequiresRestart {
			d.RequiresRestart = true
			break
		}
	}
	return d
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func (d *ConfigDiff) walk(oldVal, newVal reflect.Value, path string, secret bool) {
	switch oldVal.Kind() {
	case reflect.Struct:
		typ := oldVal.Type()
		for i := 0; i < typ.NumField(); i++ {
			field := typ.Field(i)
			name := strings.Split(field.Tag.Get("toml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			d.walk(oldVal.Field(i), newVal.Field(i), joinPath(path, name), secret || field.Tag.Get("json") == "-")
		}
	case reflect.Map:
		keys := map[string]reflect.Value{}
		for _, k := range oldVal.MapKeys() {
			keys[fmt.Sprint(k.Interface())] = k
		}
		for _, k := range newVal.MapKeys() {
			keys[fmt.Sprint(k.Interface())] = k
		}
		for name, k := range keys {
			o, n := oldVal.MapIndex(k), newVal.MapIndex(k)
			p := joinPath(path, name)
			switch {
			case !n.IsValid():
				d.add(p, ChangeTypeDeleted, o.Interface(), nil, secret)
			case !o.IsValid():
				d.add(p, ChangeTypeAdded, nil, n.Interface(), secret)
			default:
				d.walk(o, n, p, secret)
			}
		}
	case reflect.Ptr:
		switch {
		case oldVal.IsNil() && newVal.IsNil():
		case oldVal.IsNil():
			d.add(path, ChangeTypeAdded, nil, newVal.Elem().Interface(), secret)
		case newVal.IsNil():
			d.add(path, ChangeTypeDeleted, oldVal.Elem().Interface(), nil, secret)
		default:
			d.walk(oldVal.Elem(), newVal.Elem(), path, secret)
		}
	case reflect.Slice:
		// 切片作为整体比较，nil 与空切片视为相同
		if oldVal.Len() == 0 && newVal.Len() == 0 {
			return
		}
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface(), secret)
		}
	default:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface(), secret)
		}
	}
}

func (d *ConfigDiff) add(path string, t ChangeType, oldValue, newValue interface{}, secret bool) {
	if secret {
		if oldValue != nil {
			oldValue = secretMask
		}
		if newValue != nil {
			newValue = secretMask
		}
	}
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            t,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: requiresRestart(path),
	})
}

// 连接、目录与数据源链在启动时固化
var restartPaths = []string{
	"cache.primary_backend",
	"cache.root_dir",
	"cache.fallback_enabled",
	"cache.mirror_to_file",
	"cache.backend_op_timeout",
	"cache.cleanup_schedule",
	"cache.schema_versions",
	"redis",
	"mongodb",
	"data",
	"session",
	"providers",
	"logging.handlers",
	"system.timezone",
	"notifications",
}

// requiresRestart 判断配置路径是否需要重启
func requiresRestart(path string) bool {
	for _, p := range restartPaths {
		if path == p || strings.HasPrefix(path, p+".") {
			return true
		}
	}
	return false
}
