// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/catmesh/catmesh/core/log"
)

const (
	defaultLogLevel  = "NOTICE"
	defaultStateFile = "catmesh.state"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := lCfg.Level
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lvl)
	}
	return nil
}

// Account describes the local account parameters.
type Account struct {
	// Username is the account name registered with the provider.
	Username string

	// DisplayName is the human-readable device label.
	DisplayName string
}

func (aCfg *Account) validate() error {
	if aCfg.Username == "" {
		return errors.New("config: Account: Username is not set")
	}
	return nil
}

// Storage describes where local state lives.
type Storage struct {
	// DataDir is the directory holding the database and statefile.
	DataDir string

	// StateFile overrides the statefile name within DataDir.
	StateFile string
}

func (sCfg *Storage) validate() error {
	if sCfg.DataDir == "" {
		return errors.New("config: Storage: DataDir is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Storage: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.StateFile == "" {
		sCfg.StateFile = defaultStateFile
	}
	return nil
}

// Sync tunes the replication behavior.
type Sync struct {
	// LinkCodeMaxAgeMinutes bounds how long a device link code stays
	// redeemable.
	LinkCodeMaxAgeMinutes int
}

func (syCfg *Sync) applyDefaults() {
	if syCfg.LinkCodeMaxAgeMinutes <= 0 {
		syCfg.LinkCodeMaxAgeMinutes = 5
	}
}

// Config is the top level client configuration.
type Config struct {
	Logging *Logging
	Account *Account
	Storage *Storage
	Sync    *Sync
}

// FixupAndValidate applies defaults to incomplete sections and
// validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Account == nil {
		return errors.New("config: No Account block was present")
	}
	if err := c.Account.validate(); err != nil {
		return err
	}
	if c.Storage == nil {
		return errors.New("config: No Storage block was present")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.Sync == nil {
		c.Sync = new(Sync)
	}
	c.Sync.applyDefaults()
	return nil
}

// StatePath returns the absolute path of the encrypted statefile.
func (c *Config) StatePath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.StateFile)
}

// DatabasePath returns the absolute path of the record database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "catmesh.db")
}

// InitLogBackend initializes the logging backend per the config.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	return log.New(c.Logging.File, c.Logging.Level, c.Logging.Disable)
}

// Load parses and validates the provided buffer b as a config body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
