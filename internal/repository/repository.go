// Package repository saga 持久化层（PostgreSQL / SQLite）
package repository

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/exchange/saga-orchestrator/pkg/saga"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const defaultTable = "sagas"

func validateTable(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !tableNamePattern.MatchString(table) {
		return "", fmt.Errorf("invalid saga table name %q", table)
	}
	return table, nil
}

func encodeData(data saga.Data) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal saga data: %w", err)
	}
	return string(b), nil
}

func decodeData(raw []byte) (saga.Data, error) {
	data, err := saga.DecodeData(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal saga data: %w", err)
	}
	return data, nil
}

func statusStrings(statuses []saga.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
