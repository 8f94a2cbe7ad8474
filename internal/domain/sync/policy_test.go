package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicies(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[Collection]ConflictPolicy
		wantErr bool
	}{
		{
			name:  "empty keeps manual",
			input: "",
			want:  map[Collection]ConflictPolicy{CollectionProducts: PolicyManual, CollectionSettings: PolicyManual},
		},
		{
			name:  "override",
			input: " products=last_write_wins , settings=LAST_WRITE_WINS",
			want: map[Collection]ConflictPolicy{
				CollectionProducts: PolicyLastWriteWins,
				CollectionSettings: PolicyLastWriteWins,
				CollectionSales:    PolicyManual,
			},
		},
		{name: "unknown collection", input: "inventory=manual", wantErr: true},
		{name: "unknown policy", input: "products=first_write_wins", wantErr: true},
		{name: "missing separator", input: "products", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePolicies(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for c, p := range tt.want {
				assert.Equal(t, p, got.For(c), c)
			}
		})
	}
}

func TestDecideResolution(t *testing.T) {
	server := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := func(local time.Time) *Conflict {
		return &Conflict{LocalTimestamp: local, ServerTimestamp: server}
	}

	assert.Equal(t, ResolutionPending, decideResolution(PolicyManual, c(server.Add(time.Hour))))
	assert.Equal(t, ResolutionUseLocal, decideResolution(PolicyLastWriteWins, c(server.Add(time.Second))))
	assert.Equal(t, ResolutionUseServer, decideResolution(PolicyLastWriteWins, c(server.Add(-time.Second))))
	assert.Equal(t, ResolutionPending, decideResolution(PolicyLastWriteWins, c(server)))
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, raw := range []string{
		`"2024-05-01T12:00:00Z"`,
		`"2024-05-01T15:00:00+03:00"`,
		`1714564800000`,
		`"1714564800000"`,
	} {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(raw), &ts), raw)
		assert.True(t, want.Equal(ts.Time), raw)
	}

	var empty Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	assert.True(t, empty.IsZero())

	var bad Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &bad))
}

func TestTrimToLimit(t *testing.T) {
	at := func(sec int) *Entity {
		return &Entity{ModifiedAt: time.Unix(int64(sec), 0)}
	}

	rows, boundary := trimToLimit([]*Entity{at(1), at(2), at(3)}, 2)
	assert.Len(t, rows, 2)
	assert.Equal(t, time.Unix(3, 0), boundary)

	rows, _ = trimToLimit([]*Entity{at(1), at(2), at(2)}, 2)
	assert.Len(t, rows, 1)

	rows, _ = trimToLimit([]*Entity{at(2), at(2), at(2)}, 2)
	assert.Empty(t, rows)
}

func TestValidateOperation(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	op, err := validateOperation("dev", OperationInput{
		ID:         "op-1",
		Collection: "financial_records",
		Operation:  "create",
		Data:       json.RawMessage(`{"id":42,"amount":"199.99"}`),
	}, received)
	require.NoError(t, err)
	assert.Equal(t, OperationCreate, op.Kind)
	assert.Equal(t, "42", op.EntityID())
	assert.Equal(t, received, op.ClientTimestamp)
	assert.Equal(t, StatusSyncing, op.Status)

	_, err = validateOperation("dev", OperationInput{
		ID:         "op-2",
		Collection: "financial_records",
		Operation:  "UPDATE",
		Data:       json.RawMessage(`[1,2]`),
	}, received)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = validateOperation("dev", OperationInput{ID: "op-3", DecodeError: "data: unexpected token"}, received)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestMonotonicClock(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	c := NewMonotonicClock(func() time.Time { return fixed })

	a := c.Now()
	b := c.Now()
	assert.Equal(t, fixed.Truncate(time.Microsecond), a)
	assert.Equal(t, a.Add(time.Microsecond), b)
}
