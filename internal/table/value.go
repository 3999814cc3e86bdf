package table

import (
	"fmt"
	"strconv"
	"time"
)

// Float coerces a numeric cell to float64. Cells produced by ReadCSV are
// int64, float64, string, time.Time or nil; only the numeric kinds coerce.
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

// CellString converts a cell to its canonical CSV text form.
//
// Times use "2006-01-02 15:04:05" so checkpoint files read naturally in
// spreadsheet tools; nil (missing) renders as the empty field.
func CellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(v)
	}
}
