package diff

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unset is shown for a missing or null value.
const Unset = "未设置"

// DisplayTimeLayout is the localized timestamp format.
const DisplayTimeLayout = "2006/1/2 15:04:05"

func present(p Presenter, v any) string {
	if v == nil {
		return Unset
	}
	if p == nil {
		return Stringify(v)
	}
	return p(v)
}

// Stringify renders a decoded JSON value as plain text.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return Unset
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	case fmt.Stringer:
		return t.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

// Labels maps codes to display labels. Unknown codes are shown as-is.
func Labels(m map[string]string) Presenter {
	return func(v any) string {
		s := Stringify(v)
		if l, ok := m[s]; ok {
			return l
		}
		return s
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Timestamp renders ISO-8601 strings and epoch milliseconds in local
// time. Zone-less strings are read as local time. Unparseable values are
// shown as-is.
func Timestamp(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return Unset
		}
		for _, layout := range timeLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return ts.Local().Format(DisplayTimeLayout)
			}
		}
		return t
	case float64:
		if t == 0 {
			return Unset
		}
		return time.UnixMilli(int64(t)).Local().Format(DisplayTimeLayout)
	case int64:
		if t == 0 {
			return Unset
		}
		return time.UnixMilli(t).Local().Format(DisplayTimeLayout)
	case time.Time:
		if t.IsZero() {
			return Unset
		}
		return t.Local().Format(DisplayTimeLayout)
	}
	return Stringify(v)
}
