package models_test

import (
	"encoding/json"
	"testing"

	"github.com/receiptflow/receiptflow/internal/dbtest"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/stretchr/testify/require"
)

func TestJSONDocumentScanAcceptsNumericAffinity(t *testing.T) {
	cases := map[string]struct {
		in   any
		want string
	}{
		"integer": {in: int64(42), want: "42"},
		"float":   {in: 2.5, want: "2.5"},
		"bool":    {in: true, want: "true"},
		"bytes":   {in: []byte(`{"a":1}`), want: `{"a":1}`},
		"string":  {in: `"x"`, want: `"x"`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var doc models.JSONDocument
			require.NoError(t, doc.Scan(tc.in))
			require.Equal(t, tc.want, doc.String())
		})
	}

	var doc models.JSONDocument
	require.NoError(t, doc.Scan(nil))
	require.True(t, doc.IsNull())
	require.Error(t, doc.Scan(struct{}{}))
}

func TestJSONDocumentScalarRoundTripOnSQLite(t *testing.T) {
	conn := dbtest.Open(t)

	for key, raw := range map[string]string{"INT": "12", "BOOL": "false", "OBJ": `{"n":1}`} {
		require.NoError(t, conn.Create(&models.Setting{Key: key, Value: models.JSONDocument(raw)}).Error)
		var row models.Setting
		require.NoError(t, conn.Where("key = ?", key).First(&row).Error)
		require.JSONEq(t, raw, row.Value.String())
	}
}

func TestJSONDocumentMarshalJSON(t *testing.T) {
	data, err := json.Marshal(map[string]any{"empty": models.JSONDocument(nil), "n": models.JSONDocument("7")})
	require.NoError(t, err)
	require.JSONEq(t, `{"empty":null,"n":7}`, string(data))
}
