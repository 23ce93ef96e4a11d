package models

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database 持有唯一的 gorm 连接句柄。
// 不再使用包级全局变量，由 main 构造后注入各个组件；
// Connect 用 sync.Once 保证同一个实例只会真正建连一次。
type Database struct {
	dsn  string
	once sync.Once
	db   *gorm.DB
	err  error
}

func NewDatabase(dsn string) *Database {
	return &Database{dsn: dsn}
}

// Connect 首次调用时建立连接并自动建表，之后返回同一句柄
func (d *Database) Connect() (*gorm.DB, error) {
	d.once.Do(func() {
		db, err := gorm.Open(mysql.Open(d.dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			d.err = fmt.Errorf("打开数据库失败: %w", err)
			return
		}
		sqlDB, err := db.DB()
		if err != nil {
			d.err = err
			return
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		if err := Migrate(db); err != nil {
			d.err = fmt.Errorf("自动建表失败: %w", err)
			return
		}
		d.db = db
	})
	return d.db, d.err
}

func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate 建表，测试里也会对内存库调用
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Story{}, &Scene{}, &ProcessLog{})
}
