package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout は暦日のシリアライズ形式。
const DateLayout = "2006-01-02"

// Date は時刻成分を持たない暦日を表す。
// 内部的にはUTCの0時として保持する。
type Date struct {
	t time.Time
}

// NewDate は年月日からDateを生成する。
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf は時刻から暦日部分だけを取り出す。
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate は "2006-01-02" 形式、またはRFC3339（日付部分のみ採用）の文字列をパースする。
// タイムゾーンなしの "2006-01-02T15:04:05" 形式も受け付ける。
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return DateOf(t), nil
	}
	return Date{}, fmt.Errorf("invalid date: %q", s)
}

// IsZero はゼロ値かどうかを返す。
func (d Date) IsZero() bool {
	return d.t.IsZero()
}

// Time はUTC 0時のtime.Timeを返す。
func (d Date) Time() time.Time {
	return d.t
}

// After はdがotherより後の日付であればtrueを返す。
func (d Date) After(other Date) bool {
	return d.t.After(other.t)
}

// String は "2006-01-02" 形式の文字列を返す。
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// MarshalJSON はタイムスタンプではなく暦日としてシリアライズする。
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON はParseDateと同じ形式を受け付ける。
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value はdriver.Valuerを実装する。DATEカラムへの書き込みに使用する。
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.t, nil
}

// Scan はsql.Scannerを実装する。
// lib/pqはDATEカラムをtime.Timeとして返すが、文字列で返るドライバにも対応する。
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = DateOf(v)
		return nil
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case []byte:
		parsed, err := ParseDate(string(v))
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("unsupported type for Date: %T", src)
	}
}
