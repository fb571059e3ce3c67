package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"sopline/internal/config"
	"sopline/internal/db"
	"sopline/internal/engine"
	"sopline/internal/migrate"
)

// Workspace is an opened, migrated workspace database with its engine.
type Workspace struct {
	Root   string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open opens the workspace database, applies pending migrations, loads
// sopline.yml (defaults when absent) and builds the engine.
func Open(ctx context.Context, root string, logger *zap.Logger) (*Workspace, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: root})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{
		Root:   root,
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, logger),
	}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Init creates the workspace database and writes a default sopline.yml unless
// one exists. With force the config file is rewritten.
func Init(ctx context.Context, root string, force bool) (string, error) {
	path := config.Path(root)
	if _, err := os.Stat(path); err == nil && !force {
		return path, nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if _, err := db.EnsureWorkspace(root); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	w, err := Open(ctx, root, nil)
	if err != nil {
		return "", err
	}
	return path, w.Close()
}
