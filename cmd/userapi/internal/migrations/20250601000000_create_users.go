package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20250601000000, down_20250601000000)
}

// up_20250601000000 creates the users and user_identities tables
func up_20250601000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating users table...")
	_, err := db.NewCreateTable().
		Model((*models.User)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	if IsPostgreSQL(db) {
		_, err = db.ExecContext(ctx, `ALTER TABLE users ALTER COLUMN preferences SET DEFAULT '{}'::jsonb, ALTER COLUMN features SET DEFAULT '{}'::jsonb`)
		if err != nil {
			return fmt.Errorf("failed to set jsonb defaults: %w", err)
		}
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating user_identities table...")
	q := db.NewCreateTable().
		Model((*models.Identity)(nil)).
		IfNotExists()
	if IsSQLite(db) {
		q = q.ForeignKey(`(user_id) REFERENCES users(id) ON DELETE CASCADE`)
	}
	if _, err = q.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create user_identities table: %w", err)
	}
	if IsPostgreSQL(db) {
		_, err = db.ExecContext(ctx, `
			ALTER TABLE user_identities
			ADD CONSTRAINT fk_user_identities_user
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		`)
		if err != nil {
			return fmt.Errorf("failed to add FK constraint on user_id: %w", err)
		}
	}

	indexes := []struct{ name, sql string }{
		{"idx_user_identities_provider_subject", `CREATE UNIQUE INDEX IF NOT EXISTS idx_user_identities_provider_subject ON user_identities(provider, subject)`},
		{"idx_user_identities_user_provider", `CREATE UNIQUE INDEX IF NOT EXISTS idx_user_identities_user_provider ON user_identities(user_id, provider)`},
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", idx.name, err)
		}
	}
	fmt.Println(" OK")
	return nil
}

// down_20250601000000 drops the users and user_identities tables
func down_20250601000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping user_identities table...")
	if _, err := db.NewDropTable().Model((*models.Identity)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop user_identities table: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [down] dropping users table...")
	if _, err := db.NewDropTable().Model((*models.User)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop users table: %w", err)
	}
	fmt.Println(" OK")
	return nil
}
