package db

import (
	"fmt"

	"github.com/messsiii/behindmemo-sub001/internal/models"
	"gorm.io/gorm"
)

// Migrate runs schema migrations for all application models.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.User{},
		&models.Admin{},
		&models.CreditTransaction{},
		&models.WebhookEvent{},
		&models.Generation{},
		&models.Subscription{},
		&models.Setting{},
	)
}
