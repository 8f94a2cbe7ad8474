package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// денежные и количественные поля, которые обязаны быть числами
var decimalFields = map[Collection][]string{
	CollectionSales:            {"total", "subtotal", "discount", "tax"},
	CollectionFinancialRecords: {"amount"},
	CollectionCashTransactions: {"amount"},
	CollectionProducts:         {"price", "cost", "stock"},
}

// поля, которые не могут быть отрицательными
var nonNegativeFields = map[Collection][]string{
	CollectionSales:    {"total", "subtotal", "discount"},
	CollectionProducts: {"price", "cost"},
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

// validateOperation проверяет присланную операцию и приводит её к доменному типу
func validateOperation(deviceID string, in OperationInput, receivedAt time.Time) (*Operation, error) {
	if in.DecodeError != "" {
		return nil, invalid("malformed operation: %s", in.DecodeError)
	}
	if strings.TrimSpace(in.ID) == "" {
		return nil, invalid("operation id is required")
	}

	collection := Collection(in.Collection)
	if !collection.Valid() {
		return nil, invalid("unknown collection %q", in.Collection)
	}

	kind := OperationKind(strings.ToUpper(in.Operation))
	if !kind.Valid() {
		return nil, invalid("unknown operation %q", in.Operation)
	}

	data, err := decodePayload(in.Data)
	if err != nil {
		return nil, err
	}
	if entityID(data) == "" {
		return nil, invalid("data.id is required")
	}
	if kind != OperationDelete {
		if err := validatePayload(collection, data); err != nil {
			return nil, err
		}
	}

	ts := in.ClientTimestamp.Time
	if ts.IsZero() {
		ts = receivedAt
	}

	op := &Operation{
		ID:              in.ID,
		DeviceID:        deviceID,
		Collection:      collection,
		Kind:            kind,
		Data:            data,
		ClientTimestamp: ts.UTC(),
		BaseVersion:     in.BaseVersion,
		Status:          StatusSyncing,
		CreatedAt:       receivedAt,
	}
	if in.BaseVersion < 0 {
		return nil, invalid("baseVersion must not be negative")
	}
	if in.BaseTimestamp != nil && !in.BaseTimestamp.IsZero() {
		bt := in.BaseTimestamp.Time.UTC()
		op.BaseTimestamp = &bt
	}
	return op, nil
}

// decodePayload разбирает data как JSON-объект, числа сохраняются без потери точности
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, invalid("data is required")
	}
	if raw[0] != '{' {
		return nil, invalid("data must be an object")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, invalid("data is not valid JSON: %v", err)
	}
	return data, nil
}

func validatePayload(c Collection, data map[string]any) error {
	for _, field := range decimalFields[c] {
		v, ok := data[field]
		if !ok || v == nil {
			continue
		}
		if _, err := toDecimal(v); err != nil {
			return invalid("%s.%s must be a number", c, field)
		}
	}
	for _, field := range nonNegativeFields[c] {
		v, ok := data[field]
		if !ok || v == nil {
			continue
		}
		d, _ := toDecimal(v)
		if d.IsNegative() {
			return invalid("%s.%s must not be negative", c, field)
		}
	}
	return nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	}
	return decimal.Decimal{}, fmt.Errorf("not a number: %T", v)
}
