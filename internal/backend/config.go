package backend

import (
	"fmt"

	"admissions/internal/config"
)

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	return Config{
		Type: backendType,

		DataDirectory: appConfig.DataDir,
		DataFile:      appConfig.DataFile,

		S3Bucket:    appConfig.AWSBucket,
		S3Key:       appConfig.AWSFile,
		S3Region:    appConfig.AWSRegion,
		S3Endpoint:  appConfig.S3Endpoint,
		S3AccessKey: appConfig.AWSAccessKey,
		S3SecretKey: appConfig.AWSSecretKey,

		SnapshotEnabled: appConfig.SnapshotEnabled,
		SQLiteDBPath:    appConfig.SQLiteDBPath,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	switch c.Type {
	case S3Backend:
		if err := c.s3Config().Validate(); err != nil {
			return err
		}
	case SheetsBackend:
		// credentials and spreadsheet come from GOOGLE_* and are checked
		// when the client is created
	case LocalBackend:
		// DataDirectory defaults to "data", DataFile to admissions.csv
	}

	if c.SnapshotEnabled && c.SQLiteDBPath == "" {
		return fmt.Errorf("SQLite database path is required when snapshots are enabled")
	}

	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{LocalBackend, S3Backend, SheetsBackend}
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	types := GetBackendTypes()
	strings := make([]string, len(types))
	for i, t := range types {
		strings[i] = t.String()
	}
	return strings
}
