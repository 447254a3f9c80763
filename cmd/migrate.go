package main

import (
	"fmt"

	"CapperLedger/internal/model"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// oneActivePerTriple 存储层兜底“同一三元组至多一条 active”
const oneActivePerTriple = `CREATE UNIQUE INDEX IF NOT EXISTS uq_entitlements_one_active
ON entitlements (subscriber_id, provider_id, product_id)
WHERE status = 'active'`

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database if missing and migrate the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			db, err := openDB(cfg.Database, logger, true)
			if err != nil {
				return err
			}
			if err := migrate(db); err != nil {
				return err
			}
			logger.Info("数据库表结构检查完成（不存在则已创建）")
			return nil
		},
	}
}

// migrate 按依赖顺序迁移
func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.User{},
		&model.Entitlement{},
		&model.ProcessedEvent{},
		&model.ExternalRefClaim{},
		&model.UnresolvedEvent{},
		&model.Bet{},
		&model.CapperProfile{},
	); err != nil {
		return fmt.Errorf("数据库表结构迁移失败: %w", err)
	}
	if err := db.Exec(oneActivePerTriple).Error; err != nil {
		return fmt.Errorf("创建部分唯一索引失败: %w", err)
	}
	return nil
}
