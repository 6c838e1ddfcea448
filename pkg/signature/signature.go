// Package signature 编排器出站调用的 HMAC 签名。
// 下游服务用同一密钥校验请求确实来自编排器，并用时间窗口 + nonce 防重放。
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderTimestamp = "X-Saga-Timestamp"
	HeaderNonce     = "X-Saga-Nonce"
	HeaderSignature = "X-Saga-Signature"

	// 默认时间窗口
	DefaultTimeWindow = 5 * time.Minute
)

var (
	ErrMissingHeaders   = errors.New("signature: missing headers")
	ErrInvalidTimestamp = errors.New("signature: invalid timestamp")
	ErrNonceReused      = errors.New("signature: nonce reused")
	ErrInvalidSignature = errors.New("signature: invalid signature")
)

// Signer 签名器；nil 表示不签名
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner 密钥为空时返回 nil
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) Sign(canonical string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Signer) Verify(canonical, signature string) bool {
	expected := s.Sign(canonical)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignRequest 写入时间戳、nonce 与签名头；body 必须与请求实际发送的内容一致
func (s *Signer) SignRequest(req *http.Request, body []byte) {
	if s == nil || req == nil {
		return
	}
	ts := s.now().UnixMilli()
	nonce := uuid.NewString()
	canonical := Canonical(ts, nonce, req.Method, req.URL.EscapedPath(), body)

	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, s.Sign(canonical))
}

// Canonical 规范串：时间戳、nonce、方法、路径、body 的 sha256，换行分隔
func Canonical(timestampMs int64, nonce, method, path string, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		strconv.FormatInt(timestampMs, 10),
		nonce,
		strings.ToUpper(method),
		path,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// NonceStore 防重放存储：不存在则记录并返回 false，已存在返回 true
type NonceStore interface {
	Exists(nonce string, expireAt time.Time) (bool, error)
}

type VerifierOption func(*Verifier)

func WithTimeWindow(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.timeWindow = d
		}
	}
}

func WithNonceStore(store NonceStore) VerifierOption {
	return func(v *Verifier) {
		v.nonceStore = store
	}
}

// Verifier 供下游服务校验编排器的调用
type Verifier struct {
	signer     *Signer
	timeWindow time.Duration
	nonceStore NonceStore
	now        func() time.Time
}

func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		signer:     &Signer{secret: []byte(secret), now: time.Now},
		timeWindow: DefaultTimeWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyRequest 校验签名头；body 为已读出的请求体
func (v *Verifier) VerifyRequest(req *http.Request, body []byte) error {
	tsRaw := req.Header.Get(HeaderTimestamp)
	nonce := req.Header.Get(HeaderNonce)
	sig := req.Header.Get(HeaderSignature)
	if tsRaw == "" || nonce == "" || sig == "" {
		return ErrMissingHeaders
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}

	diff := v.now().UnixMilli() - ts
	if diff < 0 {
		diff = -diff
	}
	if diff > v.timeWindow.Milliseconds() {
		return ErrInvalidTimestamp
	}

	if !v.signer.Verify(Canonical(ts, nonce, req.Method, req.URL.EscapedPath(), body), sig) {
		return ErrInvalidSignature
	}

	// nonce 只在签名通过后记录，避免伪造请求占用
	if v.nonceStore != nil {
		exists, err := v.nonceStore.Exists(nonce, v.now().Add(2*v.timeWindow))
		if err != nil {
			return fmt.Errorf("nonce store error: %w", err)
		}
		if exists {
			return ErrNonceReused
		}
	}
	return nil
}
