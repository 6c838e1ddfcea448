// Package validate 基于 ozzo-validation 的请求校验规则与错误转换
package validate

import (
	stderrors "errors"
	"net/url"
	"regexp"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	commonerrors "github.com/exchange/saga/pkg/errors"
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// ID 事务与步骤标识：1-64 位 [A-Za-z0-9_.:-]
var ID = validation.Match(idRe).Error("must be 1-64 characters of [A-Za-z0-9_.:-]")

// HTTPURL 绝对的 http(s) 地址
var HTTPURL = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if !IsHTTPURL(s) {
		return validation.NewError("validation_is_http_url", "must be an absolute http(s) URL")
	}
	return nil
})

// IsHTTPURL 判断是否为带 host 的 http/https 地址
func IsHTTPURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// OneOf 限定字符串取值（大小写敏感），空值交给 Required 处理
func OneOf(values ...string) validation.Rule {
	in := make([]interface{}, len(values))
	for i, v := range values {
		in[i] = v
	}
	return validation.In(in...).Error("must be one of " + strings.Join(values, ", "))
}

type ValidationError struct {
	Field   string            `json:"field"`
	Code    commonerrors.Code `json:"code"`
	Message string            `json:"message"`
}

// Flatten 把 ozzo 的嵌套错误展开为 field 路径（如 steps.1.step_id），按字段排序
func Flatten(err error) []ValidationError {
	if err == nil {
		return nil
	}
	var out []ValidationError
	flatten("", err, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func flatten(prefix string, err error, out *[]ValidationError) {
	var errs validation.Errors
	if stderrors.As(err, &errs) {
		for field, fieldErr := range errs {
			if fieldErr == nil {
				continue
			}
			path := field
			if prefix != "" {
				path = prefix + "." + field
			}
			flatten(path, fieldErr, out)
		}
		return
	}

	var ce *commonerrors.Error
	if stderrors.As(err, &ce) {
		*out = append(*out, ValidationError{Field: prefix, Code: ce.Code, Message: ce.Message})
		return
	}
	*out = append(*out, ValidationError{Field: prefix, Code: commonerrors.CodeInvalidParam, Message: err.Error()})
}

// ToError 把校验结果转成对外错误，取第一个字段错误作为 message；
// ozzo 的 InternalError 视为服务端错误
func ToError(err error) *commonerrors.Error {
	if err == nil {
		return nil
	}
	var internal validation.InternalError
	if stderrors.As(err, &internal) {
		return commonerrors.New(commonerrors.CodeInternal, internal.Error())
	}

	fields := Flatten(err)
	if len(fields) == 0 {
		return commonerrors.New(commonerrors.CodeInvalidParam, err.Error())
	}
	first := fields[0]
	if first.Field == "" {
		return commonerrors.New(first.Code, first.Message)
	}
	return commonerrors.Newf(first.Code, "%s: %s", first.Field, first.Message)
}
