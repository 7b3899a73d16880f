package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Manager 仓储管理器，提供所有仓储的统一访问接口
type Manager struct {
	db *gorm.DB

	compartmentOnce sync.Once
	compartment     CompartmentRepository

	serialLogOnce sync.Once
	serialLog     *SerialLogRepository
}

// NewManager 创建仓储管理器
func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// GetDB 获取数据库实例
func (m *Manager) GetDB() *gorm.DB {
	return m.db
}

// Compartment 获取格口映射仓储
func (m *Manager) Compartment() CompartmentRepository {
	m.compartmentOnce.Do(func() {
		m.compartment = NewCompartmentRepository(m.db)
	})
	return m.compartment
}

// SerialLog 获取串口日志仓储
func (m *Manager) SerialLog() *SerialLogRepository {
	m.serialLogOnce.Do(func() {
		m.serialLog = NewSerialLogRepository(m.db)
	})
	return m.serialLog
}
