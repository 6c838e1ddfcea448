// Package config 环境变量读取工具。未设置、为空或无法解析时一律回退默认值，
// 取值范围由调用方的 Validate 负责
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// parse 读取并解析 key，失败时返回 def
func parse[T any](key string, def T, conv func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := conv(raw)
	if err != nil {
		return def
	}
	return v
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvOptional 区分未设置与显式为空：未设置返回默认值，设置为空返回 ""
func GetEnvOptional(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func GetEnvInt(key string, defaultValue int) int {
	return parse(key, defaultValue, strconv.Atoi)
}

func GetEnvInt64(key string, defaultValue int64) int64 {
	return parse(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func GetEnvBool(key string, defaultValue bool) bool {
	return parse(key, defaultValue, strconv.ParseBool)
}

func GetEnvFloat64(key string, defaultValue float64) float64 {
	return parse(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetEnvDuration 解析 time.ParseDuration 格式（如 5s、500ms）
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return parse(key, defaultValue, time.ParseDuration)
}

// GetEnvSeconds 读取整数秒（如 SAGA_STEP_TIMEOUT_SECONDS=30）
func GetEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	return parse(key, defaultValue, func(s string) (time.Duration, error) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Second, nil
	})
}

// GetEnvSlice 逗号分隔，忽略空项；全部为空时返回默认值
func GetEnvSlice(key string, defaultValue []string) []string {
	var result []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// GetEnvMap 读取 name=value 列表，逗号分隔（如 orders=http://orders:8080,payments=http://payments:8080）。
// 缺少 "=" 或任一侧为空的条目被忽略
func GetEnvMap(key string, defaultValue map[string]string) map[string]string {
	result := make(map[string]string)
	for _, part := range GetEnvSlice(key, nil) {
		name, target, ok := strings.Cut(part, "=")
		name, target = strings.TrimSpace(name), strings.TrimSpace(target)
		if !ok || name == "" || target == "" {
			continue
		}
		result[name] = target
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
