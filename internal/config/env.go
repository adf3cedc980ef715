package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "ICLOUD_BACKUP_CONFIG"
	EnvUsername = "ICLOUD_BACKUP_USERNAME"
	EnvPassword = "ICLOUD_BACKUP_PASSWORD"
	EnvFilepath = "ICLOUD_BACKUP_FILEPATH"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string
	Username   string
	Password   string
	BackupDir  string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Username:   os.Getenv(EnvUsername),
		Password:   os.Getenv(EnvPassword),
		BackupDir:  os.Getenv(EnvFilepath),
	}
}
