// Package audit keeps an append-only journal of saga transitions.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/exchange/saga-orchestrator/pkg/saga"
)

// Entry 一条状态流转记录
type Entry struct {
	ID         int64  `json:"id"`
	SagaID     string `json:"sagaId"`
	SagaType   string `json:"sagaType"`
	FromStatus string `json:"fromStatus"`
	ToStatus   string `json:"toStatus"`
	FromStep   int    `json:"fromStep"`
	ToStep     int    `json:"toStep"`
	Trigger    string `json:"trigger"`
	Data       string `json:"data"` // JSON格式的数据快照（脱敏后）
	Timestamp  int64  `json:"timestamp"`
	TraceID    string `json:"traceId,omitempty"`
}

// Journal 持久化与查询流转记录
type Journal interface {
	Log(ctx context.Context, e *Entry) error
	Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error)
}

type QueryFilter struct {
	SagaID    string
	SagaType  string
	StartTime int64
	EndTime   int64
	Limit     int
	Offset    int
}

// FromTransition 生成记录，数据快照在调用时即脱敏并序列化
func FromTransition(t saga.Transition) *Entry {
	return &Entry{
		SagaID:     t.SagaID,
		SagaType:   t.SagaType,
		FromStatus: string(t.From),
		ToStatus:   string(t.To),
		FromStep:   t.FromStep,
		ToStep:     t.ToStep,
		Trigger:    t.Trigger,
		Data:       marshalParams(t.Data),
		Timestamp:  t.At.UnixMilli(),
		TraceID:    t.TraceID,
	}
}

// Events 将流转写入 journal。写入失败交给 onError，不影响 saga 推进。
func Events(j Journal, onError func(error)) *saga.Events {
	return &saga.Events{
		OnTransition: func(t saga.Transition) {
			e := FromTransition(t)
			if err := j.Log(context.Background(), e); err != nil && onError != nil {
				onError(err)
			}
		},
	}
}

func marshalParams(params map[string]interface{}) string {
	b, err := json.Marshal(SanitizeParams(params))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// SanitizeParams 脱敏敏感参数。
func SanitizeParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(k, v)
	}
	return out
}

func sanitizeValue(key string, value interface{}) interface{} {
	if isSensitiveKey(key) {
		return "***"
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		return SanitizeParams(typed)
	case saga.Data:
		return SanitizeParams(typed)
	case []interface{}:
		cp := make([]interface{}, 0, len(typed))
		for i, item := range typed {
			// 数组元素使用索引作为 key，避免父级 key 误判
			elemKey := fmt.Sprintf("[%d]", i)
			if m, ok := item.(map[string]interface{}); ok {
				cp = append(cp, SanitizeParams(m))
			} else {
				cp = append(cp, sanitizeValue(elemKey, item))
			}
		}
		return cp
	case string:
		if shouldMaskPartial(key, typed) {
			return maskPreserveEnds(typed, 2, 2)
		}
		return typed
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "password") ||
		strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "apikey") ||
		strings.Contains(k, "api_key") ||
		(k == "key") ||
		strings.HasSuffix(k, "_key") ||
		strings.Contains(k, "card_number") ||
		strings.Contains(k, "cardnumber") ||
		strings.Contains(k, "cvv")
}

func shouldMaskPartial(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if strings.Contains(k, "phone") || strings.Contains(k, "mobile") || strings.Contains(k, "iban") {
		return true
	}

	// 值本身看起来像卡号/账号：数字占比高且长度足够
	digits := 0
	for _, r := range value {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return len(value) >= 12 && digits >= len(value)-2
}

func maskPreserveEnds(s string, prefixKeep, suffixKeep int) string {
	runes := []rune(s)
	if len(runes) <= prefixKeep+suffixKeep {
		return "***"
	}
	maskedLen := len(runes) - prefixKeep - suffixKeep
	return string(runes[:prefixKeep]) + strings.Repeat("*", maskedLen) + string(runes[len(runes)-suffixKeep:])
}
