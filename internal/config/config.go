package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DurabilityPolicy controls how aggressively the command log fsyncs.
type DurabilityPolicy string

const (
	DurabilityAlways DurabilityPolicy = "always"
	DurabilityBatch  DurabilityPolicy = "batch"
)

// ArbitrationPolicy controls what happens to a tool-originated command while
// a human holds control of a pane.
type ArbitrationPolicy string

const (
	ArbitrationReject ArbitrationPolicy = "reject"
	ArbitrationWait   ArbitrationPolicy = "wait"
	ArbitrationWarn   ArbitrationPolicy = "warn"
)

type Config struct {
	// Daemon
	SocketPath string `yaml:"socket_path,omitempty"`
	StateDir   string `yaml:"state_dir,omitempty"`

	// Pane / Grid
	ScrollbackLines int `yaml:"scrollback_lines,omitempty"`
	GhostImageLines int `yaml:"ghost_image_lines,omitempty"`

	// Command Log
	WALSegmentBytes  int64             `yaml:"wal_segment_bytes,omitempty"`
	Durability       DurabilityPolicy  `yaml:"durability,omitempty"`
	BatchWindowMs    int               `yaml:"batch_window_ms,omitempty"`

	// Client Registry & Event Fanout
	ReplayRingSize int `yaml:"replay_ring_size,omitempty"`

	// Arbitration
	ArbitrationDefault        ArbitrationPolicy `yaml:"arbitration_default,omitempty"`
	ArbitrationDefaultTimeout int               `yaml:"arbitration_default_timeout_seconds,omitempty"`

	// Orchestration Mailbox
	MailboxCapacity int `yaml:"mailbox_capacity,omitempty"`

	// Logging
	LogLevel string `yaml:"log_level,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`
}

type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config
}

func NewManager() *Manager {
	return &Manager{
		userConfig:    &Config{},
		projectConfig: &Config{},
		merged:        &Config{},
	}
}

func (m *Manager) Load(userConfigDir, projectDir string) error {
	userConfigPath := filepath.Join(userConfigDir, "config.yaml")
	if err := m.loadConfig(userConfigPath, m.userConfig); err != nil {
		return err
	}

	projectConfigPath := filepath.Join(projectDir, ".loom", "config.yaml")
	if err := m.loadConfig(projectConfigPath, m.projectConfig); err != nil {
		return err
	}

	m.mergeConfigs()

	return nil
}

func (m *Manager) loadConfig(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Config file doesn't exist, use defaults
		}
		return err
	}

	return yaml.Unmarshal(data, config)
}

func (m *Manager) mergeConfigs() {
	m.merged = &Config{
		SocketPath:                m.getStringValue(m.userConfig.SocketPath, m.projectConfig.SocketPath, defaultSocketPath()),
		StateDir:                  m.getStringValue(m.userConfig.StateDir, m.projectConfig.StateDir, defaultStateDir()),
		ScrollbackLines:           m.getIntValue(m.userConfig.ScrollbackLines, m.projectConfig.ScrollbackLines, 1000),
		GhostImageLines:           m.getIntValue(m.userConfig.GhostImageLines, m.projectConfig.GhostImageLines, 500),
		WALSegmentBytes:           m.getInt64Value(m.userConfig.WALSegmentBytes, m.projectConfig.WALSegmentBytes, 16*1024*1024),
		Durability:                m.getDurabilityValue(m.userConfig.Durability, m.projectConfig.Durability, DurabilityBatch),
		BatchWindowMs:             m.getIntValue(m.userConfig.BatchWindowMs, m.projectConfig.BatchWindowMs, 5),
		ReplayRingSize:            m.getIntValue(m.userConfig.ReplayRingSize, m.projectConfig.ReplayRingSize, 10000),
		ArbitrationDefault:        m.getArbitrationValue(m.userConfig.ArbitrationDefault, m.projectConfig.ArbitrationDefault, ArbitrationWarn),
		ArbitrationDefaultTimeout: m.getIntValue(m.userConfig.ArbitrationDefaultTimeout, m.projectConfig.ArbitrationDefaultTimeout, 0),
		MailboxCapacity:           m.getIntValue(m.userConfig.MailboxCapacity, m.projectConfig.MailboxCapacity, 1024),
		LogLevel:                  m.getStringValue(m.userConfig.LogLevel, m.projectConfig.LogLevel, "info"),
		LogFile:                   m.getStringValue(m.userConfig.LogFile, m.projectConfig.LogFile, ""),
	}
}

func defaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/loom.sock"
	}
	return filepath.Join(home, ".loom", "sockets", "daemon.sock")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/loom-state"
	}
	return filepath.Join(home, ".loom", "state")
}

// Dirs resolves the two config layers for the current process: the user
// layer at ~/.loom and the project layer rooted at ProjectRoot(cwd).
func Dirs() (userDir, projectDir string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(home, ".loom"), ProjectRoot(wd), nil
}

// ProjectRoot returns the nearest ancestor of dir carrying a .loom or .git
// entry, or dir itself when no marker exists. The root doubles as the
// worktree boundary: sessions created without an explicit cwd inherit it,
// and worktree-targeted orchestration routing matches against it.
func ProjectRoot(dir string) string {
	for d := dir; ; d = filepath.Dir(d) {
		for _, marker := range []string{".loom", ".git"} {
			if _, err := os.Stat(filepath.Join(d, marker)); err == nil {
				return d
			}
		}
		if filepath.Dir(d) == d {
			return dir
		}
	}
}

// IsolationDir returns the per-pane isolation directory path for paneID
// under the configured state directory.
func (c *Config) IsolationDir(paneID string) string {
	return filepath.Join(c.StateDir, "isolation", "pane-"+paneID)
}

// WALDir returns the write-ahead-log segment directory.
func (c *Config) WALDir() string {
	return filepath.Join(c.StateDir, "wal")
}

// DBPath returns the path to the persistent command-index database.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "index.db")
}

func (m *Manager) getStringValue(user, project, defaultValue string) string {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return defaultValue
}

func (m *Manager) getIntValue(user, project, defaultValue int) int {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return defaultValue
}

func (m *Manager) getInt64Value(user, project, defaultValue int64) int64 {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return defaultValue
}

func (m *Manager) getDurabilityValue(user, project, defaultValue DurabilityPolicy) DurabilityPolicy {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return defaultValue
}

func (m *Manager) getArbitrationValue(user, project, defaultValue ArbitrationPolicy) ArbitrationPolicy {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return defaultValue
}

func (m *Manager) Get() *Config {
	return m.merged
}

func (m *Manager) SaveUserConfig(userConfigDir string) error {
	configPath := filepath.Join(userConfigDir, "config.yaml")

	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.userConfig)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

func (m *Manager) SaveProjectConfig(projectDir string) error {
	loomDir := filepath.Join(projectDir, ".loom")
	configPath := filepath.Join(loomDir, "config.yaml")

	if err := os.MkdirAll(loomDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.projectConfig)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
