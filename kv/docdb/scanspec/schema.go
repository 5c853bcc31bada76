package scanspec

type ColumnKind int

const (
	ColumnRegular ColumnKind = iota
	ColumnHash
	ColumnRange
)

type ColumnSchema struct {
	ID   int32
	Name string
	Kind ColumnKind
}

// Schema lists hash key columns, then range key columns, then regular columns.
type Schema struct {
	Columns []ColumnSchema
}

func NewSchema(cols ...ColumnSchema) *Schema {
	return &Schema{Columns: cols}
}

func (s *Schema) Column(id int32) (ColumnSchema, bool) {
	for _, c := range s.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

func (s *Schema) IsRangeColumn(id int32) bool {
	c, ok := s.Column(id)
	return ok && c.Kind == ColumnRange
}

func (s *Schema) RangeColumns() []ColumnSchema {
	var cols []ColumnSchema
	for _, c := range s.Columns {
		if c.Kind == ColumnRange {
			cols = append(cols, c)
		}
	}
	return cols
}

func (s *Schema) HashColumns() []ColumnSchema {
	var cols []ColumnSchema
	for _, c := range s.Columns {
		if c.Kind == ColumnHash {
			cols = append(cols, c)
		}
	}
	return cols
}
