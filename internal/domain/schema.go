package domain

// ColumnSchema describes one column of a table.
type ColumnSchema struct {
	ColumnName   string  `json:"column_name"`
	DataType     string  `json:"data_type"`
	MaxLength    *int    `json:"max_length"`
	IsNullable   string  `json:"is_nullable"`
	DefaultValue *string `json:"default_value"`
	Description  string  `json:"description"`
}

// Relationship is a foreign key edge between two tables.
type Relationship struct {
	Column           string `json:"column"`
	ReferencesTable  string `json:"references_table"`
	ReferencesColumn string `json:"references_column"`
}

// TableSchema is the description of one table in the schema document.
type TableSchema struct {
	TableName     string         `json:"table_name"`
	Description   string         `json:"description"`
	Columns       []ColumnSchema `json:"columns"`
	Relationships []Relationship `json:"relationships,omitempty"`
}
