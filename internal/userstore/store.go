package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound は指定IDのユーザーが存在しないことを表す。
var ErrNotFound = errors.New("ユーザーが見つかりません")

// User はユーザーレコード。
type User struct {
	// ID はユーザーの一意識別子。単調増加で再利用されない。
	ID int64 `json:"id"`
	// Name はユーザー名。
	Name string `json:"name"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Role はロール。既定値は "user"。
	Role string `json:"role"`
	// Created は作成日（YYYY-MM-DD）。作成後は不変。
	Created string `json:"created"`
}

// Store はユーザーレコードのCRUDストア。
type Store struct {
	db *sql.DB
}

// Open はSQLiteデータベースを開き、スキーマと初期データを適用する。
// dsnに ":memory:" を指定するとインメモリストアになる。
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	// プールの各コネクションが別々のインメモリDBを持たないよう1本に固定する。
	// 同時に、変異操作が常に直列化されることも保証する。
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := seedUsers(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// List は全ユーザーを挿入順で返す。
func (s *Store) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email, role, created FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Created); err != nil {
			return nil, fmt.Errorf("ユーザー行の読み取りに失敗: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ユーザー一覧の走査に失敗: %w", err)
	}
	return users, nil
}

// Get は指定IDのユーザーを返す。存在しない場合はErrNotFound。
func (s *Store) Get(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, created FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return u, nil
}

// CreateParams はユーザー作成時の入力。
// NameとEmailの必須チェックは呼び出し側（ハンドラ）の責務とする。
type CreateParams struct {
	// Name はユーザー名。
	Name string
	// Email はメールアドレス。
	Email string
	// Role はロール。空の場合は "user" を既定とする。
	Role string
}

// Create は新しいユーザーを作成して返す。
// IDの採番とレコードの挿入は単一のINSERTで原子的に行われる。
func (s *Store) Create(ctx context.Context, p CreateParams) (User, error) {
	role := p.Role
	if role == "" {
		role = "user"
	}
	created := time.Now().UTC().Format("2006-01-02")

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (name, email, role, created) VALUES (?, ?, ?, ?) RETURNING id`,
		p.Name, p.Email, role, created,
	).Scan(&id)
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}

	return User{ID: id, Name: p.Name, Email: p.Email, Role: role, Created: created}, nil
}

// UpdateParams は部分更新の入力。nilのフィールドは既存値を保持する。
type UpdateParams struct {
	// Name はユーザー名。nilなら変更しない。
	Name *string
	// Email はメールアドレス。nilなら変更しない。
	Email *string
	// Role はロール。nilなら変更しない。
	Role *string
}

// Update は指定IDのユーザーへ部分更新をマージして返す。
// IDと作成日は呼び出し側から上書きできない。存在しない場合はErrNotFound。
func (s *Store) Update(ctx context.Context, id int64, p UpdateParams) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`UPDATE users
		    SET name = COALESCE(?, name),
		        email = COALESCE(?, email),
		        role = COALESCE(?, role)
		  WHERE id = ?
		RETURNING id, name, email, role, created`,
		p.Name, p.Email, p.Role, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの更新に失敗: %w", err)
	}
	return u, nil
}

// Delete は指定IDのユーザーを削除し、削除したレコードを返す。
// 存在しない場合はErrNotFound。
func (s *Store) Delete(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM users WHERE id = ? RETURNING id, name, email, role, created`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの削除に失敗: %w", err)
	}
	return u, nil
}
