package sync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"possync/internal/app/server/api/http/apierror"
	"possync/internal/domain/sync"
)

// Тела POST-запросов принимаются как RawBody: структура проверяется здесь,
// а ошибки отдельных операций push возвращаются поэлементно из сервиса.

type pushInput struct {
	RawBody []byte `contentType:"application/json"`
}

type pushOutput struct {
	Body *sync.PushResult
}

type pullInput struct {
	RawBody []byte `contentType:"application/json"`
}

type pullOutput struct {
	Body *sync.PullResponse
}

type resolveInput struct {
	RawBody []byte `contentType:"application/json"`
}

type resolveOutput struct {
	Body *sync.ResolveResult
}

type statusInput struct{}

type statusOutput struct {
	Body statusResponse
}

type statusResponse struct {
	Success bool `json:"success"`
	sync.DeviceStatus
}

type statsInput struct {
	Collection string `query:"collection" doc:"Ограничить статистику одной коллекцией"`
	Days       int    `query:"days" minimum:"0" default:"30" doc:"Окно статистики в днях"`
	DeviceID   string `query:"deviceId" doc:"Должен совпадать с устройством запроса"`
}

type statsOutput struct {
	Body statsResponse
}

type statsResponse struct {
	Success bool `json:"success"`
	sync.DetailedStats
}

type cleanupInput struct {
	Days int `query:"days" minimum:"1" default:"90" doc:"Удалить синхронизированные операции старше стольких дней"`
}

type cleanupOutput struct {
	Body cleanupResponse
}

type cleanupResponse struct {
	Success bool   `json:"success"`
	Removed int    `json:"removed"`
	Days    int    `json:"days"`
	Device  string `json:"deviceId"`
}

type conflictsInput struct {
	Pending bool `query:"pending" default:"true" doc:"Только неразрешенные конфликты"`
}

type conflictsOutput struct {
	Body conflictsResponse
}

type conflictsResponse struct {
	Success   bool            `json:"success"`
	Conflicts []sync.Conflict `json:"conflicts"`
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return nil, apierror.BadRequest(sync.CodeInvalidRequest, "request body must be a JSON object")
	}
	return body, nil
}

var requiredOperationFields = []string{"collection", "operation", "data"}

// decodePush разбирает {operations: [...]}. Элемент, который не удалось привести к типам,
// не ломает пакет: он уходит в сервис с DecodeError и будет отклонен поэлементно.
func decodePush(raw []byte) ([]sync.OperationInput, error) {
	body, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	opsRaw, ok := body["operations"]
	if !ok || !isArray(opsRaw) {
		return nil, apierror.BadRequest(sync.CodeInvalidRequest, "operations must be an array")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(opsRaw, &items); err != nil {
		return nil, apierror.BadRequest(sync.CodeInvalidRequest, "operations must be an array")
	}

	out := make([]sync.OperationInput, 0, len(items))
	for i, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			return nil, apierror.BadRequest(sync.CodeInvalidRequest, fmt.Sprintf("operations[%d] must be an object", i))
		}
		for _, key := range requiredOperationFields {
			if _, ok := fields[key]; !ok {
				return nil, apierror.BadRequest(sync.CodeInvalidRequest, fmt.Sprintf("operations[%d] lacks %q", i, key))
			}
		}

		var in sync.OperationInput
		if err := json.Unmarshal(item, &in); err != nil {
			in = sync.OperationInput{DecodeError: err.Error()}
			_ = json.Unmarshal(fields["id"], &in.ID)
		}
		out = append(out, in)
	}
	return out, nil
}

type pullBody struct {
	DeviceID          string          `json:"deviceId"`
	LastSyncTimestamp sync.Timestamp  `json:"lastSyncTimestamp"`
	Collections       json.RawMessage `json:"collections"`
	MaxItems          int             `json:"maxItems"`
}

func decodePull(raw []byte) (*pullBody, []sync.Collection, error) {
	if _, err := decodeObject(raw); err != nil {
		return nil, nil, err
	}

	var body pullBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil, apierror.BadRequest(sync.CodeInvalidRequest, fmt.Sprintf("malformed pull request: %s", err))
	}
	if !isArray(body.Collections) {
		return nil, nil, apierror.BadRequest(sync.CodeInvalidRequest, "collections must be an array")
	}

	var collections []sync.Collection
	if err := json.Unmarshal(body.Collections, &collections); err != nil {
		return nil, nil, apierror.BadRequest(sync.CodeInvalidRequest, "collections must be an array of strings")
	}
	if body.MaxItems < 0 {
		return nil, nil, apierror.BadRequest(sync.CodeInvalidRequest, "maxItems must not be negative")
	}
	return &body, collections, nil
}

func decodeResolve(raw []byte) ([]sync.ConflictResolution, error) {
	body, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	resRaw, ok := body["resolutions"]
	if !ok || !isArray(resRaw) {
		return nil, apierror.BadRequest(sync.CodeInvalidRequest, "resolutions must be an array")
	}

	var resolutions []sync.ConflictResolution
	if err := json.Unmarshal(resRaw, &resolutions); err != nil {
		return nil, apierror.BadRequest(sync.CodeInvalidRequest, fmt.Sprintf("malformed resolutions: %s", err))
	}
	return resolutions, nil
}
