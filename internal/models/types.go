package models

import (
	"database/sql/driver"
	"encoding/json"
)

// JSON 类型定义，用于存储回调原始载荷
type JSON map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSON) Scan(value interface{}) error {
	raw, ok := scanBytes(value)
	if !ok {
		*j = make(JSON)
		return nil
	}
	return json.Unmarshal(raw, j)
}

// StringArray 字符串数组类型，用于存储品牌、用户组等筛选条件
type StringArray []string

// Value 实现 driver.Valuer 接口
func (s StringArray) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

// Scan 实现 sql.Scanner 接口
func (s *StringArray) Scan(value interface{}) error {
	raw, ok := scanBytes(value)
	if !ok {
		*s = StringArray{}
		return nil
	}
	return json.Unmarshal(raw, s)
}

// UintArray 无符号整数数组类型，用于存储商品/分类 ID 集合
type UintArray []uint

// Value 实现 driver.Valuer 接口
func (u UintArray) Value() (driver.Value, error) {
	if u == nil {
		return "[]", nil
	}
	return json.Marshal(u)
}

// Scan 实现 sql.Scanner 接口
func (u *UintArray) Scan(value interface{}) error {
	raw, ok := scanBytes(value)
	if !ok {
		*u = UintArray{}
		return nil
	}
	return json.Unmarshal(raw, u)
}

// Contains 判断是否包含指定 ID
func (u UintArray) Contains(id uint) bool {
	for _, item := range u {
		if item == id {
			return true
		}
	}
	return false
}

func scanBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			return nil, false
		}
		return v, true
	case string:
		if v == "" {
			return nil, false
		}
		return []byte(v), true
	default:
		return nil, false
	}
}
