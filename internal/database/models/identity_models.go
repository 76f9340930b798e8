package models

import "time"

type User struct {
	ID        int64      `gorm:"primaryKey;autoIncrement"`
	Username  string     `gorm:"uniqueIndex;not null"`
	Email     string     `gorm:"uniqueIndex;not null"`
	Firstname string     `gorm:"not null"`
	Lastname  string     `gorm:"not null"`
	RoleID    int32      `gorm:"not null"`
	Role      Role       `gorm:"foreignKey:RoleID"`
	ManagerID *int64     `gorm:"index"` // reporting line, used for request routing
	IsActive  bool       `gorm:"default:false"`
	CreatedAt *time.Time `gorm:"autoCreateTime"`
	UpdatedAt *time.Time `gorm:"autoUpdateTime"`
}

type Role struct {
	ID          int32      `gorm:"primaryKey;autoIncrement"`
	RoleName    string     `gorm:"uniqueIndex;not null"`
	AccessLevel int32      `gorm:"not null"`
	CreatedAt   *time.Time `gorm:"autoCreateTime"`
	UpdatedAt   *time.Time `gorm:"autoUpdateTime"`
}

type Product struct {
	ID           int32  `gorm:"primaryKey;autoIncrement"`
	ProductCode  string `gorm:"type:varchar(32);uniqueIndex;not null"`
	ProductName  string `gorm:"type:varchar(128);not null"`
	ProductPrice string `gorm:"type:decimal(18,2);not null"`
	CostPrice    string `gorm:"type:decimal(18,2);not null"`
	IsActive     bool   `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
