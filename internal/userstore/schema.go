package userstore

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。AUTOINCREMENTにより削除後もIDを再利用しない。
const schema = `
CREATE TABLE IF NOT EXISTS users (
    -- ユーザーの一意識別子。単調増加で再利用しない
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    -- ユーザー名（必須）
    name TEXT NOT NULL,
    -- メールアドレス（必須）
    email TEXT NOT NULL,
    -- ロール。未指定時は 'user'
    role TEXT NOT NULL DEFAULT 'user',
    -- 作成日（YYYY-MM-DD）。作成後は不変
    created TEXT NOT NULL
);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}

// seedUsers はデモ用の初期データを投入する。既にレコードがある場合は何もしない。
func seedUsers(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("初期データの確認に失敗: %w", err)
	}
	if count > 0 {
		return nil
	}

	const seed = `
INSERT INTO users (id, name, email, role, created) VALUES
    (1, 'Alice Johnson', 'alice@example.com', 'admin', '2024-01-15'),
    (2, 'Bob Smith', 'bob@example.com', 'user', '2024-02-20'),
    (3, 'Carol Davis', 'carol@example.com', 'user', '2024-03-10');
`
	if _, err := db.Exec(seed); err != nil {
		return fmt.Errorf("初期データの投入に失敗: %w", err)
	}
	return nil
}
