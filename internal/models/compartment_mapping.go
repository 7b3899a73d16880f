package models

import "time"

// CompartmentMapping 柜线号到物理格口的校准映射
// 每个线号只保留最新一次校准结果，只有整表重置才会删除
type CompartmentMapping struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Line        string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"line"` // 线号，如 "203"
	Shelf       int       `gorm:"not null" json:"shelf"`                             // 层板号
	Compartment int       `gorm:"not null" json:"compartment"`                       // 格口号
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (CompartmentMapping) TableName() string {
	return "compartment_mappings"
}
