package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	envRedisTLS        = "REDIS_TLS"
	envRedisCACert     = "REDIS_CACERT"
	envRedisCert       = "REDIS_CERT"
	envRedisKey        = "REDIS_KEY"
	envRedisServerName = "REDIS_SERVER_NAME"
)

// TLSOptions 描述到 Redis 的 TLS 连接；文件路径为空表示不使用对应项
type TLSOptions struct {
	Enabled    bool
	CACert     string
	Cert       string
	Key        string
	ServerName string
}

// TLSOptionsFromEnv reads REDIS_TLS, REDIS_CACERT, REDIS_CERT, REDIS_KEY and REDIS_SERVER_NAME.
// An unparsable REDIS_TLS is an error rather than silently disabling TLS.
func TLSOptionsFromEnv() (TLSOptions, error) {
	var opts TLSOptions
	if raw := strings.TrimSpace(os.Getenv(envRedisTLS)); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid %s: %w", envRedisTLS, err)
		}
		opts.Enabled = v
	}
	opts.CACert = strings.TrimSpace(os.Getenv(envRedisCACert))
	opts.Cert = strings.TrimSpace(os.Getenv(envRedisCert))
	opts.Key = strings.TrimSpace(os.Getenv(envRedisKey))
	opts.ServerName = strings.TrimSpace(os.Getenv(envRedisServerName))
	return opts, nil
}

// Validate 只检查配置本身，不读文件
func (o TLSOptions) Validate() error {
	if !o.Enabled {
		return nil
	}
	if (o.Cert == "") != (o.Key == "") {
		return fmt.Errorf("%s and %s must be set together", envRedisCert, envRedisKey)
	}
	return nil
}

// Config 构建 *tls.Config，未启用时返回 nil
func (o TLSOptions) Config() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: o.ServerName,
	}

	if o.CACert != "" {
		caBytes, err := os.ReadFile(o.CACert)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", envRedisCACert, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("append %s: no valid certificates found", envRedisCACert)
		}
		cfg.RootCAs = pool
	}

	if o.Cert != "" {
		cert, err := tls.LoadX509KeyPair(o.Cert, o.Key)
		if err != nil {
			return nil, fmt.Errorf("load %s/%s: %w", envRedisCert, envRedisKey, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
