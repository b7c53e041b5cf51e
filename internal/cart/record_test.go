package cart

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func price(t *testing.T, value string) *decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	require.NoError(t, err)
	return &d
}

func TestMergeSumsSharedKeysAndCopiesLocalOnly(t *testing.T) {
	t.Parallel()

	server := Record{"a": {ID: "a", Qty: 2}}
	local := Record{"a": {ID: "a", Qty: 3}, "b": {ID: "b", Qty: 1}}

	merged := Merge(server, local)

	want := Record{"a": {ID: "a", Qty: 5}, "b": {ID: "b", Qty: 1}}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Fatalf("merged record mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 6, TotalCount(merged))
}

func TestMergeIsIdempotentAgainstEmpty(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		server Record
		local  Record
	}{
		{name: "both empty"},
		{name: "server only", server: Record{"a": {Qty: 4}}},
		{name: "local only", local: Record{"z": {Qty: 1, Title: "Zest"}}},
		{name: "overlap", server: Record{"a": {Qty: 1}, "b": {Qty: 2}}, local: Record{"b": {Qty: 7}, "c": {Qty: 3}}},
		{name: "zero lines", server: Record{"a": {Qty: 0}}, local: Record{"a": {Qty: 0}, "b": {Qty: 0}}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			once := Merge(tc.server, tc.local)
			twice := Merge(once, Record{})
			if diff := cmp.Diff(once, twice); diff != "" {
				t.Fatalf("merge with empty changed the record (-once +twice):\n%s", diff)
			}
			assert.Equal(t, TotalCount(tc.server)+TotalCount(tc.local), TotalCount(once))
			for id, line := range once {
				assert.Greater(t, int(line.Qty), 0, "line %s", id)
			}
		})
	}
}

func TestMergeCapsSummedQuantity(t *testing.T) {
	server := Record{"a": {ID: "a", Qty: maxQuantity - 1}, "b": {ID: "b", Qty: 2}}
	local := Record{"a": {ID: "a", Qty: 5}, "b": {ID: "b", Qty: 3}}

	merged := Merge(server, local)

	assert.Equal(t, Quantity(maxQuantity), merged["a"].Qty)
	assert.Equal(t, Quantity(5), merged["b"].Qty)
	// below the cap the totals add up exactly
	assert.Equal(t, TotalCount(Record{"b": server["b"]})+TotalCount(Record{"b": local["b"]}), TotalCount(Record{"b": merged["b"]}))
	assert.Less(t, TotalCount(merged), TotalCount(server)+TotalCount(local))
}

func TestMergeServerDescriptiveFieldsWin(t *testing.T) {
	t.Parallel()

	server := Record{"a": {Title: "Server title", Qty: 1}}
	local := Record{"a": {Title: "Local title", Image: "/img/a.png", Price: price(t, "4.50"), Qty: 1}}

	merged := Merge(server, local)

	line := merged["a"]
	assert.Equal(t, "Server title", line.Title)
	assert.Equal(t, "/img/a.png", line.Image)
	require.NotNil(t, line.Price)
	assert.True(t, line.Price.Equal(decimal.RequireFromString("4.5")))
	assert.Equal(t, Quantity(2), line.Qty)
	assert.Equal(t, "a", line.ID)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	server := Record{"a": {ID: "a", Qty: 2}}
	local := Record{"a": {ID: "a", Qty: 3}}
	_ = Merge(server, local)

	assert.Equal(t, Quantity(2), server["a"].Qty)
	assert.Equal(t, Quantity(3), local["a"].Qty)
}

func TestQuantityDecodingIsTolerant(t *testing.T) {
	t.Parallel()

	cases := map[string]Quantity{
		`3`:         3,
		`2.9`:       2,
		`"4"`:       4,
		`" 7.8 "`:   7,
		`-2`:        0,
		`null`:      0,
		`true`:      0,
		`"banana"`:  0,
		`{}`:        0,
		`[1]`:       0,
		`1e12`:      maxQuantity,
		`"-0.5"`:    0,
		`0.9999999`: 0,
	}
	for raw, want := range cases {
		var q Quantity
		require.NoError(t, json.Unmarshal([]byte(raw), &q), raw)
		assert.Equal(t, want, q, raw)
	}
}

func TestRecordUnmarshalDropsEmptyAndAcceptsLegacyCounts(t *testing.T) {
	t.Parallel()

	raw := `{
		"a": {"id": "ignored", "title": "Apple", "price": "1.25", "qty": "2"},
		"b": 3,
		"c": {"qty": 0},
		"d": {"qty": "nope"},
		"  ": {"qty": 5},
		"e": {"qty": 1.7}
	}`

	var record Record
	require.NoError(t, json.Unmarshal([]byte(raw), &record))

	want := Record{
		"a": {ID: "a", Title: "Apple", Price: price(t, "1.25"), Qty: 2},
		"b": {ID: "b", Qty: 3},
		"e": {ID: "e", Qty: 1},
	}
	if diff := cmp.Diff(want, record); diff != "" {
		t.Fatalf("decoded record mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordUnmarshalRejectsNonObject(t *testing.T) {
	t.Parallel()

	var record Record
	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &record))
}

func TestRecordScanAndValue(t *testing.T) {
	t.Parallel()

	record := Record{"a": {ID: "a", Qty: 2}}
	value, err := record.Value()
	require.NoError(t, err)

	var scanned Record
	require.NoError(t, scanned.Scan([]byte(value.(string))))
	if diff := cmp.Diff(record, scanned); diff != "" {
		t.Fatalf("scan mismatch (-want +got):\n%s", diff)
	}

	var empty Record
	require.NoError(t, empty.Scan(nil))
	assert.Empty(t, empty)
	require.Error(t, empty.Scan(42))

	var nilRecord Record
	v, err := nilRecord.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)
}

func TestSubtotalSkipsUnpricedLines(t *testing.T) {
	t.Parallel()

	record := Record{
		"a": {Price: price(t, "2.50"), Qty: 2},
		"b": {Qty: 4},
		"c": {Price: price(t, "0.10"), Qty: 3},
	}
	assert.True(t, Subtotal(record).Equal(decimal.RequireFromString("5.30")), Subtotal(record).String())
}

func TestIDsAreSorted(t *testing.T) {
	t.Parallel()

	record := Record{"b": {Qty: 1}, "a": {Qty: 1}, "c": {Qty: 1}}
	assert.Equal(t, []string{"a", "b", "c"}, record.IDs())
}
