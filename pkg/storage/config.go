// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "fmt"

// Type identifies a storage backend.
type Type string

const (
	// TypeMemory keeps everything in process memory.
	TypeMemory Type = "memory"
	// TypeRedis stores data in Redis, shared between processes.
	TypeRedis Type = "redis"
	// TypeSQLite stores data in a local SQLite database.
	TypeSQLite Type = "sqlite"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `mapstructure:"type"`

	// Redis is used when Type is redis.
	Redis RedisConfig `mapstructure:"redis"`

	// SQLitePath is the database file used when Type is sqlite.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}

// Validate checks that the fields required by Type are set.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		return validateRedisConfig(&c.Redis)
	case TypeSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
}
