package models

import (
	"database/sql/driver"
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSONDocument is a raw JSON column that accepts any document shape, scalars included.
// It is stored as jsonb on PostgreSQL and as text on SQLite, where json and jsonb
// declarations have numeric affinity and would turn a document such as 42 into an integer.
type JSONDocument datatypes.JSON

// NullDocument is the JSON null document.
var NullDocument = JSONDocument("null")

// IsNull reports whether the document is empty or JSON null.
func (j JSONDocument) IsNull() bool {
	return len(j) == 0 || string(j) == "null"
}

// String returns the raw document.
func (j JSONDocument) String() string {
	return string(j)
}

// Value implements driver.Valuer for database serialization.
func (j JSONDocument) Value() (driver.Value, error) {
	return datatypes.JSON(j).Value()
}

// Scan implements sql.Scanner for database deserialization.
// Numeric and boolean values come from rows written under numeric column affinity.
func (j *JSONDocument) Scan(value any) error {
	switch typed := value.(type) {
	case nil:
		*j = nil
		return nil
	case int64:
		*j = JSONDocument(strconv.FormatInt(typed, 10))
		return nil
	case float64:
		*j = JSONDocument(strconv.FormatFloat(typed, 'g', -1, 64))
		return nil
	case bool:
		*j = JSONDocument(strconv.FormatBool(typed))
		return nil
	}
	var raw datatypes.JSON
	if errScan := raw.Scan(value); errScan != nil {
		return errScan
	}
	*j = JSONDocument(raw)
	return nil
}

// MarshalJSON embeds the document as is, null when empty.
func (j JSONDocument) MarshalJSON() ([]byte, error) {
	return datatypes.JSON(j).MarshalJSON()
}

// UnmarshalJSON stores a copy of the raw document.
func (j *JSONDocument) UnmarshalJSON(data []byte) error {
	return (*datatypes.JSON)(j).UnmarshalJSON(data)
}

// GormDataType gorm common data type.
func (JSONDocument) GormDataType() string {
	return "json"
}

// GormDBDataType picks the column type per dialect.
func (JSONDocument) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "sqlite":
		return "TEXT"
	default:
		return "JSON"
	}
}
